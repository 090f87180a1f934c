package config_test

import (
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/core/config"
)

var jobdVars = []string{
	"JOBD_ENV", "JOBD_SOCKET_TEMPLATE", "JOBD_PID_TEMPLATE", "JOBD_LOG_TEMPLATE",
	"JOBD_JOBS_FILE", "JOBD_MAX_LOG_SIZE_MB", "JOBD_CHECK_INTERVAL_MS",
	"JOBD_LEGACY_SCHEDULER", "JOBD_TIMEZONE", "JOBD_HISTORY_LIMIT", "JOBD_STOP_GRACE_MS",
	"JOBD_RETRY_BASE_MS", "JOBD_RETRY_MAX_MS", "JOBD_STORE", "DATABASE_URL",
	"REDIS_URL", "JOBD_API_ENABLED", "JOBD_API_PORT", "JOBD_API_KEY",
	"JOBD_WEBHOOK_ENABLED", "JOBD_WEBHOOK_URL", "JOBD_QUEUE_ENABLED",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func setEnv(key, value string) {
	Expect(os.Setenv(key, value)).To(Succeed())
}

var _ = Describe("Load", func() {
	BeforeEach(func() {
		saved := map[string]string{}
		for _, key := range jobdVars {
			if v, ok := os.LookupEnv(key); ok {
				saved[key] = v
			}
			Expect(os.Unsetenv(key)).To(Succeed())
		}
		// keep godotenv away from any .env in the package dir
		setEnv("JOBD_ENV", "test")

		DeferCleanup(func() {
			for _, key := range jobdVars {
				_ = os.Unsetenv(key)
			}
			for k, v := range saved {
				_ = os.Setenv(k, v)
			}
		})
	})

	It("uses per-user defaults", func() {
		cfg, err := config.Load(config.ServiceTypeDaemon)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Daemon.User).NotTo(BeEmpty())
		Expect(cfg.Daemon.SocketPath).To(HaveSuffix("lsh-jobd-" + cfg.Daemon.User + ".sock"))
		Expect(cfg.Daemon.PIDPath).To(HaveSuffix(".pid"))
		Expect(cfg.Daemon.LogPath).To(HaveSuffix(".log"))
		Expect(cfg.Daemon.JobsFile).To(HaveSuffix("jobd-" + cfg.Daemon.User + ".jobs.json"))
		Expect(cfg.Daemon.StopGrace).To(Equal(5 * time.Second))
		Expect(cfg.Daemon.RetryBase).To(Equal(time.Second))
		Expect(cfg.Daemon.RetryMax).To(Equal(time.Minute))
		Expect(cfg.Scheduler.Legacy).To(BeFalse())
		Expect(cfg.Scheduler.CheckInterval).To(Equal(2 * time.Second))
		Expect(cfg.Scheduler.Location).To(Equal(time.Local))
		Expect(cfg.Store.Backend).To(Equal(config.StoreMemory))
		Expect(cfg.Store.HistoryLimit).To(Equal(100))
		Expect(cfg.API.Enabled()).To(BeFalse())
		Expect(cfg.Webhook.Enabled()).To(BeFalse())
		Expect(cfg.Queue.Enabled()).To(BeFalse())
		Expect(cfg.OTel.Enabled()).To(BeFalse())
	})

	It("expands {user} in templates", func() {
		setEnv("JOBD_SOCKET_TEMPLATE", "/run/jobd/{user}/ctl.sock")
		cfg, err := config.Load(config.ServiceTypeClient)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Daemon.SocketPath).To(Equal("/run/jobd/" + cfg.Daemon.User + "/ctl.sock"))
		Expect(strings.Contains(cfg.Daemon.SocketPath, "{user}")).To(BeFalse())
	})

	It("reads scheduler and retry overrides", func() {
		setEnv("JOBD_LEGACY_SCHEDULER", "true")
		setEnv("JOBD_CHECK_INTERVAL_MS", "500")
		setEnv("JOBD_RETRY_BASE_MS", "250")
		setEnv("JOBD_RETRY_MAX_MS", "1000")
		cfg, err := config.Load(config.ServiceTypeDaemon)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Scheduler.Legacy).To(BeTrue())
		Expect(cfg.Scheduler.CheckInterval).To(Equal(500 * time.Millisecond))
		Expect(cfg.Daemon.RetryBase).To(Equal(250 * time.Millisecond))
		Expect(cfg.Daemon.RetryMax).To(Equal(time.Second))
	})

	It("loads the cron time zone", func() {
		setEnv("JOBD_TIMEZONE", "UTC")
		cfg, err := config.Load(config.ServiceTypeDaemon)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Scheduler.Location).To(Equal(time.UTC))
	})

	It("binds the API to loopback", func() {
		setEnv("JOBD_API_ENABLED", "true")
		setEnv("JOBD_API_PORT", "9090")
		setEnv("JOBD_API_KEY", "secret")
		cfg, err := config.Load(config.ServiceTypeDaemon)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.API.Addr).To(Equal("127.0.0.1:9090"))
		Expect(cfg.API.APIKey).To(Equal("secret"))
	})

	DescribeTable("rejects invalid settings",
		func(env map[string]string) {
			for k, v := range env {
				setEnv(k, v)
			}
			_, err := config.Load(config.ServiceTypeDaemon)
			Expect(err).To(HaveOccurred())
		},
		Entry("unknown store", map[string]string{"JOBD_STORE": "sqlite"}),
		Entry("postgres without dsn", map[string]string{"JOBD_STORE": "postgres"}),
		Entry("redis without url", map[string]string{"JOBD_STORE": "redis"}),
		Entry("webhook without url", map[string]string{"JOBD_WEBHOOK_ENABLED": "true"}),
		Entry("queue without redis", map[string]string{"JOBD_QUEUE_ENABLED": "true"}),
		Entry("zero history", map[string]string{"JOBD_HISTORY_LIMIT": "0"}),
		Entry("retry base above max", map[string]string{"JOBD_RETRY_BASE_MS": "5000", "JOBD_RETRY_MAX_MS": "1000"}),
		Entry("unknown time zone", map[string]string{"JOBD_TIMEZONE": "Mars/Olympus"}),
		Entry("api port out of range", map[string]string{"JOBD_API_ENABLED": "true", "JOBD_API_PORT": "70000"}),
	)
})
