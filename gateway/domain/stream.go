package domain

import "time"

type StreamID string

// Envelope é o que vai para o stream quando uma consulta termina.
type Envelope struct {
	StreamID  StreamID  `json:"stream_id"`
	Lane      Lane      `json:"lane"`
	Result    any       `json:"result"`
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamMetrics é o retrato dos contadores de um stream.
type StreamMetrics struct {
	StreamID           StreamID      `json:"stream_id"`
	OwnerID            string        `json:"owner_id"`
	CreatedAt          time.Time     `json:"created_at"`
	MessagesSent       int64         `json:"messages_sent"`
	MessagesReceived   int64         `json:"messages_received"`
	TotalLatency       time.Duration `json:"total_latency_ns"`
	CompressedMessages int64         `json:"compressed_messages"`
	CompressionSavings float64       `json:"compression_savings"`
	Queries            int64         `json:"queries"`
	QueryLatency       time.Duration `json:"query_latency_ns"`
	Pending            int           `json:"pending"`
	Capacity           int           `json:"capacity"`
}

// Metrics agrega todos os streams registrados no momento.
type Metrics struct {
	ActiveStreams             int           `json:"active_streams"`
	TotalMessages             int64         `json:"total_messages"`
	TotalQueries              int64         `json:"total_queries"`
	AverageLatency            time.Duration `json:"average_latency_ns"`
	LatencyTarget             time.Duration `json:"latency_target_ns"`
	TargetMet                 bool          `json:"target_met"`
	AverageCompressionSavings float64       `json:"average_compression_savings"`
	// ImprovementFactor = baseline / latência média; só para observabilidade.
	ImprovementFactor float64    `json:"improvement_factor"`
	Lanes             []LaneLoad `json:"lanes"`
}

// LaneLoad é a ocupação de uma lane; MaxInFlight 0 indica lane sem limite.
type LaneLoad struct {
	Lane        Lane `json:"lane"`
	InFlight    int  `json:"in_flight"`
	MaxInFlight int  `json:"max_in_flight"`
}

// Observer recebe eventos do gateway para exportar métricas.
type Observer interface {
	StreamOpened()
	StreamClosed()
	MessageSent(size int, compressed bool, savings float64)
	MessageReceived(size int)
	Backpressure()
	QueryDone(lane Lane, latency time.Duration, kind string)
}

type NopObserver struct{}

func (NopObserver) StreamOpened()                         {}
func (NopObserver) StreamClosed()                         {}
func (NopObserver) MessageSent(int, bool, float64)        {}
func (NopObserver) MessageReceived(int)                   {}
func (NopObserver) Backpressure()                         {}
func (NopObserver) QueryDone(Lane, time.Duration, string) {}

// QueryResult é o retorno de ProcessQuery: o envelope já entregue ao stream
// e a latência de ida e volta.
type QueryResult struct {
	Envelope Envelope      `json:"envelope"`
	Latency  time.Duration `json:"latency_ns"`
}
