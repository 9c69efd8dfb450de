package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Stats is a point-in-time reading of the collectors, served by the admin
// API and rendered by "sipfork status".
type Stats struct {
	MessageForks   int64 `json:"message_forks"`
	Proxies        int64 `json:"proxies"`
	Evicted        int64 `json:"evicted"`
	Saves          int64 `json:"saves"`
	SaveErrors     int64 `json:"save_errors"`
	Restores       int64 `json:"restores"`
	RestoreErrors  int64 `json:"restore_errors"`
	Pushes         int64 `json:"pushes"`
	PushErrors     int64 `json:"push_errors"`
	RingingTimeout int64 `json:"ringing_timeouts"`
}

// Snapshot reads the current values.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		MessageForks:   gauge(m.messageForks.Write),
		Proxies:        gauge(m.proxies.Write),
		Evicted:        gauge(m.evicted.Write),
		Saves:          counter(m.saves.WithLabelValues(StatusOK).Write),
		SaveErrors:     counter(m.saves.WithLabelValues(StatusError).Write),
		Restores:       counter(m.restores.WithLabelValues(StatusOK).Write),
		RestoreErrors:  counter(m.restores.WithLabelValues(StatusError).Write),
		Pushes:         counter(m.pushes.WithLabelValues(StatusOK).Write),
		PushErrors:     counter(m.pushes.WithLabelValues(StatusError).Write),
		RingingTimeout: counter(m.declines.Write),
	}
}

func gauge(write func(*dto.Metric) error) int64 {
	var out dto.Metric
	if err := write(&out); err != nil || out.Gauge == nil {
		return 0
	}
	return int64(out.Gauge.GetValue())
}

func counter(write func(*dto.Metric) error) int64 {
	var out dto.Metric
	if err := write(&out); err != nil || out.Counter == nil {
		return 0
	}
	return int64(out.Counter.GetValue())
}
