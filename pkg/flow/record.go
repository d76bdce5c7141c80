// Package flow defines the network-flow records that move through flowguard.
package flow

import "time"

// Record is one observed flow as read from a log store.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	Protocol  string    `json:"protocol"`
	SrcBytes  int64     `json:"src_bytes"`
	// Label is the ground truth attached at dataset generation time.
	// Scoring never reads it.
	Label string `json:"label"`
}

// Scored is the anomaly verdict for a single record.
type Scored struct {
	SrcIP     string  `json:"src_ip"`
	SrcBytes  int64   `json:"src_bytes"`
	IsAnomaly bool    `json:"is_anomaly"`
	Score     float64 `json:"score"`
}

// Protocols returns the protocol column of records, in order.
func Protocols(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Protocol
	}
	return out
}
