/*************************************************************************
 * Copyright 2019 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

const kafkaClientVersion = `2.1.1`

// kafkaPublisher publishes each record to the topic `logs:stream:<source_id>`
// (§4.6's pub/sub sink) using an async producer so publishing never blocks
// the coordinator loop; failures are logged at most once per minute rather
// than per record.
type kafkaPublisher struct {
	producer sarama.AsyncProducer
	lg       *log.Logger

	warnMu   sync.Mutex
	lastWarn time.Time
}

// NewKafkaPublisher dials brokers and returns a Publisher. The returned
// producer does not wait for broker acks beyond the local buffer, matching
// the sink's fire-and-forget contract.
func NewKafkaPublisher(brokers []string, lg *log.Logger) (Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	if v, err := sarama.ParseKafkaVersion(kafkaClientVersion); err == nil {
		cfg.Version = v
	}
	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	kp := &kafkaPublisher{producer: producer, lg: lg}
	go kp.drainErrors()
	return kp, nil
}

func (kp *kafkaPublisher) drainErrors() {
	for perr := range kp.producer.Errors() {
		kp.warnOncePerMinute(perr)
	}
}

func (kp *kafkaPublisher) warnOncePerMinute(perr *sarama.ProducerError) {
	kp.warnMu.Lock()
	defer kp.warnMu.Unlock()
	if time.Since(kp.lastWarn) < time.Minute {
		return
	}
	kp.lastWarn = time.Now()
	if kp.lg != nil {
		kp.lg.Warn("pub/sub publish failing", log.KVErr(perr.Err))
	}
}

func (kp *kafkaPublisher) Publish(rec record.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: fmt.Sprintf("logs:stream:%s", rec.SourceID),
		Value: sarama.ByteEncoder(raw),
	}
	select {
	case kp.producer.Input() <- msg:
	default:
		// fire-and-forget: a saturated input buffer just drops this one
		// record rather than block the coordinator's batch loop.
	}
}

func (kp *kafkaPublisher) Close() error {
	return kp.producer.Close()
}
