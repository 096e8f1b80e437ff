//go:build !integration

package dynamodb

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dgduncan/go-offline-cache/caches"
)

func TestNewDynamoDBCache(t *testing.T) {
	tests := []struct {
		name          string
		client        *dynamodb.Client
		config        *Config
		expectedTable string
		expectedErr   error
	}{
		{
			name:        "nil client returns error",
			client:      nil,
			config:      &Config{Table: "test-table"},
			expectedErr: caches.ErrValidation,
		},
		{
			name:          "nil config uses default table",
			client:        &dynamodb.Client{},
			config:        nil,
			expectedTable: caches.DefaultTable,
		},
		{
			name:          "custom table",
			client:        &dynamodb.Client{},
			config:        &Config{Table: "test-table"},
			expectedTable: "test-table",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := New(context.Background(), tt.client, tt.config)

			if !errors.Is(err, tt.expectedErr) {
				t.Errorf("expected error %v, got %v", tt.expectedErr, err)
			}

			if tt.expectedErr != nil {
				if cache != nil {
					t.Error("expected nil cache")
				}
				return
			}

			if cache.table != tt.expectedTable {
				t.Errorf("expected table %s, got %s", tt.expectedTable, cache.table)
			}
		})
	}
}

func TestTaskSortKeyOrdersNumerically(t *testing.T) {
	if !(taskSK(9) < taskSK(10)) {
		t.Errorf("expected %s < %s", taskSK(9), taskSK(10))
	}
	if len(taskSK(1)) != len(taskSK(1<<62)) {
		t.Error("expected fixed width sort keys")
	}
}

func TestNotFoundOnCondition(t *testing.T) {
	if err := notFoundOnCondition(&types.ConditionalCheckFailedException{}); !errors.Is(err, caches.ErrNoCacheItem) {
		t.Errorf("expected ErrNoCacheItem, got %v", err)
	}
	if err := notFoundOnCondition(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
