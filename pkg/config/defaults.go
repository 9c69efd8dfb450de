package config

const (
	StorageInMemory = "inmemory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	PushServiceLog   = "log"
	PushServiceKafka = "kafka"

	defaultStorageDriver = StorageSQLite

	defaultForkLate        = true
	defaultDeliveryTimeout = "168h"
	defaultEvictAfter      = "30s"
	defaultSweepInterval   = "5s"
	defaultWorkers         = 3
	defaultQueueSize       = 256

	defaultPushService    = PushServiceLog
	defaultPushTopic      = "sipfork.push"
	defaultCallInterval   = "2s"
	defaultRingingTimeout = "45s"

	defaultSIPTopic = "sipfork.sip"

	defaultAPIListen       = ":8081"
	defaultClientAPITarget = "http://localhost:8081"

	defaultEventTopic = "sipfork.forks"
)

// StorageDrivers returns the accepted values of storage.driver.
func StorageDrivers() []string {
	return []string{StorageInMemory, StorageSQLite, StoragePostgres}
}

// PushServices returns the accepted values of push.service.
func PushServices() []string {
	return []string{PushServiceLog, PushServiceKafka}
}

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		Router: RouterConfig{
			ForkLate:        defaultForkLate,
			DeliveryTimeout: defaultDeliveryTimeout,
			EvictAfter:      defaultEvictAfter,
			SweepInterval:   defaultSweepInterval,
			Workers:         defaultWorkers,
			QueueSize:       defaultQueueSize,
		},
		Push: PushConfig{
			Service:        defaultPushService,
			Topic:          defaultPushTopic,
			CallInterval:   defaultCallInterval,
			RingingTimeout: defaultRingingTimeout,
		},
		SIP: SIPConfig{
			Topic: defaultSIPTopic,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Client: ClientConfig{
			APITarget: defaultClientAPITarget,
		},
		EventStream: EventStreamConfig{
			Topic: defaultEventTopic,
		},
	}
}
