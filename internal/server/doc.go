// Package server receives frames and session commands over UDP and serves
// the monitoring HTTP API. UDP packets are sharded to workers by stream id
// so every session sees its frames in arrival order.
package server
