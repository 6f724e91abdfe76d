package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "icmptun"
)

var (
	tunnelRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "total_requests",
		Help:      "Total count of tunnel echo requests sent or relayed",
	})
	tunnelReplies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "total_replies",
		Help:      "Total count of tunnel echo replies sent or relayed",
	})
	decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "decode_failures",
		Help:      "Total count of datagrams from the raw socket that failed to decode",
	})
	sessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "sessions_opened",
		Help:      "Total count of stream connections opened to tunnel destinations",
	})
	sessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "sessions_closed",
		Help:      "Total count of tunnelled stream connections torn down",
	})
)

func init() {
	prometheus.MustRegister(
		tunnelRequests,
		tunnelReplies,
		decodeFailures,
		sessionsOpened,
		sessionsClosed,
	)
}

func incrementTunnelRequest() {
	tunnelRequests.Inc()
}

func incrementTunnelReply() {
	tunnelReplies.Inc()
}

func incrementDecodeFailure() {
	decodeFailures.Inc()
}

func incrementSessionOpened() {
	sessionsOpened.Inc()
}

func incrementSessionClosed() {
	sessionsClosed.Inc()
}
