package kafka

import (
	"strconv"

	"PPChat/global/config"
	"PPChat/logger"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// EnsureTopics：
// 1) 不存在就按配置创建（retention 按 RetentionHours）；
// 2) 已存在且分区数 < 期望值时，CreatePartitions 扩分区（Kafka 仅支持增加分区）。
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, k config.KafkaConfig) error {
	minISR := "1"
	if k.ReplicationFactor >= 3 {
		minISR = "2"
	}
	retention := strconv.FormatInt(int64(k.RetentionHours)*3600*1000, 10)

	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return errors.Wrapf(err, "describe topic %s", t)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     k.PartitionsPerTopic,
				ReplicationFactor: k.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"retention.ms":                   strPtr(retention),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					logger.Infof("[Topic] exists (race): %s", t)
					continue
				}
				return errors.Wrapf(err, "create topic %s", t)
			}
			logger.Infof("[Topic] created: %s (partitions=%d, rf=%d)", t, k.PartitionsPerTopic, k.ReplicationFactor)
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if k.PartitionsPerTopic > cur {
			if err := admin.CreatePartitions(t, k.PartitionsPerTopic, nil, false); err != nil {
				return errors.Wrapf(err, "expand partitions %s from %d to %d", t, cur, k.PartitionsPerTopic)
			}
			logger.Infof("[Topic] partitions expanded: %s (%d -> %d)", t, cur, k.PartitionsPerTopic)
			continue
		}
		logger.Infof("[Topic] exists: %s (partitions=%d)", t, cur)
	}
	return nil
}

func strPtr(s string) *string { return &s }
