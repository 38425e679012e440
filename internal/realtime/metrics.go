package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// wsConnections — текущее количество WebSocket-клиентов.
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lc_ws_connections",
		Help: "Текущее количество подключённых WebSocket-клиентов",
	})

	// wsMessagesTotal — количество сообщений по направлению и событию.
	wsMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_ws_messages_total",
			Help: "Общее количество WebSocket-сообщений",
		},
		[]string{"direction", "event"},
	)

	// wsSlowClientsTotal — клиенты, отключённые из-за переполнения очереди.
	wsSlowClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lc_ws_slow_clients_total",
		Help: "Количество клиентов, отключённых из-за переполнения очереди отправки",
	})

	// feedEntries — текущее количество записей в ленте.
	feedEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lc_feed_entries",
		Help: "Текущее количество записей в ленте",
	})

	// feedOperationsTotal — операции над лентой по результату.
	feedOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_feed_operations_total",
			Help: "Общее количество операций над лентой",
		},
		[]string{"operation", "result"},
	)
)
