package solpay

import (
	"time"

	"github.com/vitwit/solpay/clients"
	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/metrics"
)

type Option func(*SolPay)

func WithLogger(l logger.Logger) Option {
	return func(p *SolPay) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *SolPay) {
		if r != nil {
			p.metrics = r
		}
	}
}

// WithTimeout bounds each verification, including every RPC call it makes.
func WithTimeout(t time.Duration) Option {
	return func(p *SolPay) {
		if t > 0 {
			p.timeout = t
		}
	}
}

// WithClient replaces the RPC client built from the configuration.
func WithClient(c clients.Client) Option {
	return func(p *SolPay) {
		p.client = c
	}
}
