package config

import "testing"

func baseConfig() *Config {
	return &Config{
		Protocol:           "smq",
		Bind:               ":1883",
		Transport:          "tcp",
		StorageDirectory:   "./data",
		StorageBucketSize:  4096 * 64,
		StorageSlotSize:    4096,
		SendQueueHighWater: 100,
		Workers:            0,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsBadProtocol(t *testing.T) {
	cfg := baseConfig()
	cfg.Protocol = "amqp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestValidateRejectsSlotSizeBelowHeader(t *testing.T) {
	cfg := baseConfig()
	cfg.StorageSlotSize = 8
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for slot size too small")
	}
}

func TestValidateRejectsBucketSmallerThanSlot(t *testing.T) {
	cfg := baseConfig()
	cfg.StorageBucketSize = 100
	cfg.StorageSlotSize = 4096
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when bucket is smaller than one slot")
	}
}

func TestValidateRejectsZeroHighWater(t *testing.T) {
	cfg := baseConfig()
	cfg.SendQueueHighWater = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero high-water mark")
	}
}

func TestSlotsPerBucket(t *testing.T) {
	cfg := baseConfig()
	cfg.StorageBucketSize = 4096 * 10
	cfg.StorageSlotSize = 4096
	if got := cfg.SlotsPerBucket(); got != 10 {
		t.Fatalf("expected 10 slots per bucket, got %d", got)
	}
}
