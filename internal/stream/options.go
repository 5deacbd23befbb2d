package stream

import "time"

const (
	DefaultBatchSize = 200
	DefaultIdle      = 350 * time.Millisecond
	DefaultKeepalive = 10 * time.Second
)

// Options tunes both stream kinds.
type Options struct {
	BatchSize    int           // events or messages read per store call
	Idle         time.Duration // run streams: wait before polling an empty log again
	Keepalive    time.Duration // send a comment after this much silence
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Idle <= 0 {
		o.Idle = DefaultIdle
	}
	if o.Keepalive <= 0 {
		o.Keepalive = DefaultKeepalive
	}
	return o
}
