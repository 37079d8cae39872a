package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-dm/internal/config"
	"go-dm/internal/logging"
	"go-dm/internal/mq"
	"go-dm/internal/store"
	"go-dm/internal/store/sqlstore"

	"github.com/IBM/sarama"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty, "dm-conv-indexer")
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		log.Fatal().Msg("DM_KAFKA_BROKERS 未配置")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := sqlstore.OpenStores(cfg.MySQLDSN, "")
	if err != nil {
		log.Fatal().Err(err).Msg("open mysql")
	}
	defer st.Close()
	if err := sqlstore.Migrate(ctx, st, false); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	sc := sarama.NewConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	group, err := sarama.NewConsumerGroup(brokers, cfg.KafkaGroupID, sc)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka consumer group")
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			log.Warn().Err(err).Msg("consumer group error")
		}
	}()

	h := mq.NewIndexHandler(store.NewConversationStore(st.Primary), log)
	log.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaMessageTopic).Str("group", cfg.KafkaGroupID).Msg("conv indexer started")
	if err := mq.Consume(ctx, group, []string{cfg.KafkaMessageTopic}, h, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("consume stopped")
	}
	log.Info().Msg("conv indexer stopped")
}
