package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/queue"
)

var _ = Describe("Redis streams", func() {
	var (
		ctx    context.Context
		rdb    *redis.Client
		prefix string
	)

	BeforeEach(func() {
		url := os.Getenv("JOBD_TEST_REDIS_URL")
		if url == "" {
			Skip("JOBD_TEST_REDIS_URL not set")
		}
		opts, err := redis.ParseURL(url)
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()
		rdb = redis.NewClient(opts)
		prefix = fmt.Sprintf("jobdtest:%d", time.Now().UnixNano())
		DeferCleanup(func() {
			keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
			if len(keys) > 0 {
				rdb.Del(context.Background(), keys...)
			}
			rdb.Close()
		})
	})

	It("reads, requeues and dead-letters commands", func() {
		consumer, err := queue.NewRedisConsumer(ctx, rdb, queue.ConsumerConfig{
			Stream:    prefix + ":commands",
			Group:     "jobd",
			Consumer:  "test",
			DLQStream: prefix + ":dlq",
			Block:     100 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: prefix + ":commands",
			Values: map[string]any{"command": "ping", "reply_to": prefix + ":replies"},
		}).Err()).To(Succeed())

		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Command).To(Equal("ping"))

		Expect(consumer.Requeue(ctx, msgs[0], "try again")).To(Succeed())
		msgs, err = consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Attempt).To(Equal(2))

		Expect(consumer.SendDLQ(ctx, msgs[0], "gave up")).To(Succeed())
		Expect(rdb.XLen(ctx, prefix+":dlq").Val()).To(Equal(int64(1)))

		pending, err := rdb.XPending(ctx, prefix+":commands", "jobd").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})

	It("publishes events and replies", func() {
		producer := queue.NewRedisProducer(rdb, prefix+":events")

		Expect(producer.PublishEvent(ctx, model.JobEvent{Type: model.EventJobAdded, JobID: "a"})).To(Succeed())
		entries, err := rdb.XRange(ctx, prefix+":events", "-", "+").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Values).To(HaveKeyWithValue("type", "job_added"))

		resp, err := ipc.NewResponse("r1", ipc.PingResult{Pong: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(producer.Reply(ctx, prefix+":replies", resp)).To(Succeed())

		entries, err = rdb.XRange(ctx, prefix+":replies", "-", "+").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		var got ipc.Response
		Expect(json.Unmarshal([]byte(entries[0].Values["response"].(string)), &got)).To(Succeed())
		Expect(got.ID).To(Equal("r1"))
		Expect(got.Success).To(BeTrue())
	})
})
