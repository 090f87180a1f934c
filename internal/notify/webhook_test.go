package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/notify"
)

var _ = Describe("Webhook", func() {
	var (
		server   *httptest.Server
		mu       sync.Mutex
		received []model.JobEvent
		status   int
	)

	BeforeEach(func() {
		received = nil
		status = http.StatusNoContent
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))

			var e model.JobEvent
			Expect(json.NewDecoder(r.Body).Decode(&e)).To(Succeed())
			Expect(r.Header.Get("X-Jobd-Event")).To(Equal(string(e.Type)))

			mu.Lock()
			received = append(received, e)
			code := status
			mu.Unlock()
			w.WriteHeader(code)
		}))
		DeferCleanup(server.Close)
	})

	snapshot := func() []model.JobEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]model.JobEvent(nil), received...)
	}

	It("posts an event as JSON", func() {
		hook := notify.NewWebhook(server.URL, time.Second)
		Expect(hook.Send(context.Background(), model.JobEvent{Type: model.EventJobCompleted, JobID: "a"})).To(Succeed())

		Expect(snapshot()).To(ConsistOf(HaveField("JobID", "a")))
	})

	It("reports a non-2xx answer", func() {
		mu.Lock()
		status = http.StatusBadGateway
		mu.Unlock()

		hook := notify.NewWebhook(server.URL, time.Second)
		err := hook.Send(context.Background(), model.JobEvent{Type: model.EventJobFailed})
		Expect(err).To(MatchError(ContainSubstring("502")))
	})

	It("keeps delivering after a failure until the channel closes", func() {
		mu.Lock()
		status = http.StatusInternalServerError
		mu.Unlock()

		events := make(chan model.JobEvent, 2)
		events <- model.JobEvent{Type: model.EventJobStarted, JobID: "1"}
		events <- model.JobEvent{Type: model.EventJobStopped, JobID: "2"}
		close(events)

		notify.NewWebhook(server.URL, time.Second).Run(context.Background(), events)

		Expect(snapshot()).To(HaveLen(2))
	})

	It("times out against a slow receiver", func() {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		DeferCleanup(slow.Close)

		hook := notify.NewWebhook(slow.URL, 100*time.Millisecond)
		Expect(hook.Send(context.Background(), model.JobEvent{Type: model.EventJobStarted})).NotTo(Succeed())
	})
})
