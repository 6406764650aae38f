package influxdb

import (
	"testing"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

func TestBatchOptions(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.InfluxDBConfig
		wantBatch uint
		wantFlush uint
	}{
		{"defaults", config.InfluxDBConfig{}, 100, 10000},
		{"configured", config.InfluxDBConfig{BatchSize: 500, FlushInterval: 2}, 500, 2000},
		{"negative falls back", config.InfluxDBConfig{BatchSize: -1, FlushInterval: -5}, 100, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := batchOptions(tt.cfg)
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d ms, want %d", got, tt.wantFlush)
			}
		})
	}
}
