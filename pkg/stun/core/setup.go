package core

import (
	"context"
	"errors"

	"github.com/DanglingPointer/mstun/pkg/stun/definition"
	"github.com/DanglingPointer/mstun/pkg/stun/types"
	"github.com/benbjohnson/clock"
)

var (
	// ErrInvalidConfiguration is returned when the configuration fails
	// validation.
	ErrInvalidConfiguration = errors.New("invalid transaction configuration")
)

// SetupTransactions wires a transaction engine to the given transport
// channels. The returned handles are safe to copy and use from any
// goroutine; the Processor must be driven by calling Run, typically on
// a dedicated goroutine.
func SetupTransactions(conf *types.TransactionConfiguration, channels types.MessageChannels) (RequestSender, IndicationSender, IndicationReceiver, *Processor, error) {
	if conf == nil || conf.MaxConcurrentRequests <= 0 || conf.RtoPolicy == nil {
		return RequestSender{}, IndicationSender{}, IndicationReceiver{}, nil, ErrInvalidConfiguration
	}
	if conf.Logger == nil {
		conf.Logger = definition.NewDefaultLogger()
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}

	var metrics *Metrics
	if conf.MetricsRegistry != nil {
		metrics = newMetrics(conf.MetricsRegistry)
	}

	ctx, cancel := context.WithCancel(context.Background())
	queues := newSubmissionQueues(conf.MaxConcurrentRequests, ctx.Done())
	inboundIndications := make(chan types.Indication, conf.MaxConcurrentRequests)

	processor := &Processor{
		manager:            newManager(conf, channels.EgressSink, inboundIndications, metrics),
		queues:             queues,
		ingress:            channels.IngressSource,
		inboundIndications: inboundIndications,
		clock:              conf.Clock,
		log:                conf.Logger,
		ctx:                ctx,
		cancel:             cancel,
	}

	return RequestSender{queues: queues},
		IndicationSender{queues: queues},
		IndicationReceiver{indications: inboundIndications},
		processor,
		nil
}
