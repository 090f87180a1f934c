package daemon_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/daemon"
	"lsh.app/jobd/internal/model"
)

var _ = Describe("Broker", func() {
	var b *daemon.Broker

	BeforeEach(func() {
		b = daemon.NewBroker()
	})

	It("delivers events to every subscriber", func() {
		first, _ := b.Subscribe(4)
		second, _ := b.Subscribe(4)

		b.Publish(model.JobEvent{Type: model.EventJobAdded, JobID: "a"})

		Expect(<-first).To(HaveField("JobID", "a"))
		Expect(<-second).To(HaveField("Type", model.EventJobAdded))
	})

	It("drops events for slow subscribers without blocking", func() {
		ch, _ := b.Subscribe(1)

		b.Publish(model.JobEvent{JobID: "1"})
		b.Publish(model.JobEvent{JobID: "2"})
		b.Publish(model.JobEvent{JobID: "3"})

		Expect(b.Dropped()).To(Equal(uint64(2)))
		Expect(<-ch).To(HaveField("JobID", "1"))
	})

	It("closes the channel on unsubscribe", func() {
		ch, unsubscribe := b.Subscribe(1)
		unsubscribe()
		unsubscribe()

		Eventually(ch).Should(BeClosed())
		b.Publish(model.JobEvent{JobID: "late"})
		Expect(b.Dropped()).To(BeZero())
	})

	It("closes all subscribers on Close", func() {
		ch, unsubscribe := b.Subscribe(1)
		b.Close()

		Eventually(ch).Should(BeClosed())
		unsubscribe()

		late, _ := b.Subscribe(1)
		Eventually(late).Should(BeClosed())
	})
})
