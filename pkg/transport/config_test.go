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
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	config := DefaultConfig()
	s.Require().Nil(VerifyConfig(&config))

	config.QueueCapacity = 1
	s.Require().NotNil(VerifyConfig(&config))
	config.QueueCapacity = 2 * maxQueueCapacity
	s.Require().NotNil(VerifyConfig(&config))

	config.QueueCapacity = 3 * datasize.MB
	s.Require().Nil(VerifyConfig(&config))
	s.Equal(4*datasize.MB, config.QueueCapacity)

	config.Location = ""
	s.Require().NotNil(VerifyConfig(&config))
	config.Location = s.T().TempDir()

	config.Cluster = "a/b"
	s.Require().NotNil(VerifyConfig(&config))
	config.Cluster = "test"

	config.InboxSize = 0
	s.Require().NotNil(VerifyConfig(&config))
	config.InboxSize = 16

	config.SendRetries = -1
	s.Require().NotNil(VerifyConfig(&config))
	config.SendRetries = 0

	config.MaxSleep = -time.Second
	s.Require().NotNil(VerifyConfig(&config))
	config.MaxSleep = 0

	config.RetryMaxWait = 0
	s.Require().NotNil(VerifyConfig(&config))
	config.RetryMaxWait = time.Millisecond
	s.Require().Nil(VerifyConfig(&config))
}

func (s *ConfigTestSuite) TestParseConfig() {
	base := DefaultConfig()
	config, err := ParseConfig(base, " location=/tmp/x ; cluster=c1;queue_capacity=2MB; max_sleep=5;inbox_size=10;send_retries=3;")
	s.Require().NoError(err)
	s.Equal("/tmp/x", config.Location)
	s.Equal("c1", config.Cluster)
	s.Equal(2*datasize.MB, config.QueueCapacity)
	s.Equal(5*time.Millisecond, config.MaxSleep)
	s.Equal(10, config.InboxSize)
	s.Equal(3, config.SendRetries)

	config, err = ParseConfig(base, "max_sleep=250us")
	s.Require().NoError(err)
	s.Equal(250*time.Microsecond, config.MaxSleep)

	config, err = ParseConfig(base, "")
	s.Require().NoError(err)
	s.Equal(base, config)

	_, err = ParseConfig(base, "location")
	s.ErrorContains(err, "'=' not found")
	_, err = ParseConfig(base, "colour=blue")
	s.ErrorContains(err, "not known")
	_, err = ParseConfig(base, "queue_capacity=lots")
	s.Error(err)
	_, err = ParseConfig(base, "inbox_size=x")
	s.Error(err)
}

func (s *ConfigTestSuite) TestNextPowerOfTwo() {
	s.Equal(datasize.ByteSize(1), nextPowerOfTwo(0))
	s.Equal(datasize.ByteSize(64), nextPowerOfTwo(64))
	s.Equal(datasize.ByteSize(128), nextPowerOfTwo(65))
	s.Equal(8*datasize.MB, nextPowerOfTwo(5*datasize.MB+1))
}
