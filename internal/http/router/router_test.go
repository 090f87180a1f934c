package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/daemon"
	"lsh.app/jobd/internal/http/router"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/store"
)

var _ = Describe("SetupRoutes", func() {
	var (
		engine *gin.Engine
		d      *daemon.Daemon
	)

	request := func(method, path string, body []byte, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)

		d = daemon.New(store.NewMemoryStore(10), nil, nil, daemon.Config{
			StopGrace:     500 * time.Millisecond,
			CheckInterval: 50 * time.Millisecond,
		})
		Expect(d.Start(context.Background())).To(Succeed())
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.Stop(ctx)
		})

		engine = gin.New()
		router.SetupRoutes(engine, ipc.NewHandler(d), d.Subscribe, router.RouterConfig{APIKey: "k"})
	})

	It("serves health without a key", func() {
		w := request(http.MethodGet, "/health", nil, "")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"ok"`))
	})

	It("guards the API with the key", func() {
		Expect(request(http.MethodGet, "/api/v1/status", nil, "").Code).To(Equal(http.StatusUnauthorized))
		Expect(request(http.MethodGet, "/api/v1/status", nil, "k").Code).To(Equal(http.StatusOK))
	})

	It("manages a job end to end", func() {
		w := request(http.MethodPost, "/api/v1/jobs", []byte(`{"id":"web","name":"web","command":"true","enabled":false}`), "k")
		Expect(w.Code).To(Equal(http.StatusCreated))

		w = request(http.MethodGet, "/api/v1/jobs/web", nil, "k")
		Expect(w.Code).To(Equal(http.StatusOK))
		var job model.JobSpec
		Expect(json.Unmarshal(w.Body.Bytes(), &job)).To(Succeed())
		Expect(job.Name).To(Equal("web"))
		Expect(job.Enabled).To(BeFalse())

		w = request(http.MethodPost, "/api/v1/jobs/web/stop", nil, "k")
		Expect(w.Code).To(Equal(http.StatusConflict))

		w = request(http.MethodGet, "/api/v1/jobs", nil, "k")
		var jobs []model.JobSpec
		Expect(json.Unmarshal(w.Body.Bytes(), &jobs)).To(Succeed())
		Expect(jobs).To(HaveLen(1))

		w = request(http.MethodDelete, "/api/v1/jobs/web", nil, "k")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"removed":"web"`))

		Expect(request(http.MethodGet, "/api/v1/jobs/web", nil, "k").Code).To(Equal(http.StatusNotFound))
	})

	It("serves the job schema", func() {
		w := request(http.MethodGet, "/api/v1/schema", nil, "k")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"command"`))
	})
})
