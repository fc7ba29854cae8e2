package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "origami_rtu_connects_total",
	Help: "counter of websocket connection attempts to the RTU endpoint",
}, []string{"status"})

var messagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "origami_rtu_messages_received_total",
	Help: "counter of inbound RTU frames, by channel prefix",
}, []string{"channel"})

var messagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "origami_rtu_messages_sent_total",
	Help: "counter of outbound RTU frames, by channel prefix",
}, []string{"channel"})

var handlerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_rtu_handler_errors_total",
	Help: "counter of message handlers which returned an error",
})

var parseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_rtu_parse_errors_total",
	Help: "counter of inbound frames which could not be parsed as RTU messages",
})
