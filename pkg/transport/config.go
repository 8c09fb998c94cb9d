/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

const (
	keyLocation      = "location"
	keyCluster       = "cluster"
	keyQueueCapacity = "queue_capacity"
	keyMaxSleep      = "max_sleep"
	keyInboxSize     = "inbox_size"
	keySendRetries   = "send_retries"

	defaultCluster       = "default"
	defaultQueueCapacity = 8 * datasize.MB
	defaultInboxSize     = 4096
	defaultSendRetries   = 5
	defaultRetryMaxWait  = 10 * time.Millisecond
	maxQueueCapacity     = datasize.ByteSize(1 << 30)
)

// Config is used to configure a Local transport.
type Config struct {
	// Location is the directory holding one sub directory per cluster. It must exist.
	Location string
	// Cluster separates groups of peers sharing a Location.
	Cluster string
	// QueueCapacity of each peer's channel; rounded up to a power of two.
	QueueCapacity datasize.ByteSize
	// MaxSleep caps the consumer's park period. Zero keeps the default.
	MaxSleep time.Duration
	// InboxSize bounds the received messages waiting for Receive.
	InboxSize int
	// SendRetries is the number of retries of a send finding the peer's channel full.
	SendRetries int
	// RetryMaxWait caps the wait between retries.
	RetryMaxWait time.Duration
}

// DefaultConfig is used to create a default config.
func DefaultConfig() Config {
	location := filepath.Join(os.TempDir(), "shmchan")
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		location = "/dev/shm/shmchan"
	}
	return Config{
		Location:      location,
		Cluster:       defaultCluster,
		QueueCapacity: defaultQueueCapacity,
		InboxSize:     defaultInboxSize,
		SendRetries:   defaultSendRetries,
		RetryMaxWait:  defaultRetryMaxWait,
	}
}

// VerifyConfig is used to verify the sanity of configuration. A queue capacity that is
// not a power of two is rounded up in place.
func VerifyConfig(config *Config) error {
	if config.Location == "" {
		return errors.New("location must not be empty")
	}
	if config.Cluster == "" || strings.ContainsRune(config.Cluster, os.PathSeparator) {
		return fmt.Errorf("invalid cluster name %q", config.Cluster)
	}
	if config.QueueCapacity < 64 || config.QueueCapacity > maxQueueCapacity {
		return fmt.Errorf("queue_capacity must be between 64B and %s, got %s",
			maxQueueCapacity.HumanReadable(), config.QueueCapacity.HumanReadable())
	}
	if capacity := nextPowerOfTwo(config.QueueCapacity); capacity != config.QueueCapacity {
		logger.Warnf("queue_capacity (%d) must be a power of 2, changing it to %d",
			config.QueueCapacity.Bytes(), capacity.Bytes())
		config.QueueCapacity = capacity
	}
	if config.MaxSleep < 0 {
		return fmt.Errorf("max_sleep must not be negative, got %v", config.MaxSleep)
	}
	if config.InboxSize <= 0 {
		return fmt.Errorf("inbox_size must be positive, got %d", config.InboxSize)
	}
	if config.SendRetries < 0 {
		return fmt.Errorf("send_retries must not be negative, got %d", config.SendRetries)
	}
	if config.RetryMaxWait <= 0 {
		return fmt.Errorf("retry max wait must be positive, got %v", config.RetryMaxWait)
	}
	return nil
}

// ParseConfig applies "key1=val1;key2=val2" settings on top of base.
func ParseConfig(base Config, s string) (Config, error) {
	config := base
	for _, attr := range strings.Split(s, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			return base, fmt.Errorf("'=' not found in %s", attr)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case keyLocation:
			config.Location = value
		case keyCluster:
			config.Cluster = value
		case keyQueueCapacity:
			err = config.QueueCapacity.UnmarshalText([]byte(value))
		case keyMaxSleep:
			config.MaxSleep, err = parseSleep(value)
		case keyInboxSize:
			config.InboxSize, err = strconv.Atoi(value)
		case keySendRetries:
			config.SendRetries, err = strconv.Atoi(value)
		default:
			return base, fmt.Errorf("attribute %s not known", key)
		}
		if err != nil {
			return base, fmt.Errorf("attribute %s: %w", key, err)
		}
	}
	return config, nil
}

// parseSleep accepts a duration or a plain number of milliseconds.
func parseSleep(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

func nextPowerOfTwo(v datasize.ByteSize) datasize.ByteSize {
	if v <= 1 {
		return 1
	}
	return datasize.ByteSize(1) << bits.Len64(uint64(v-1))
}
