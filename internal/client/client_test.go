package client_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/client"
	"lsh.app/jobd/internal/daemon"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/store"
)

func tempSocket(name string) string {
	dir, err := os.MkdirTemp("", "jobd-client")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)
	return filepath.Join(dir, name)
}

// serveSlow answers every request after delay, except ping which is
// answered at once.
func serveSlow(path string, delay time.Duration) {
	ln, err := net.Listen("unix", path)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(ln.Close)

	go func() {
		defer GinkgoRecover()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req ipc.Request
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				return
			}
			go func(req ipc.Request) {
				if req.Command != ipc.CmdPing {
					time.Sleep(delay)
				}
				resp, _ := ipc.NewResponse(req.ID, ipc.PingResult{Pong: true})
				line, _ := json.Marshal(resp)
				mu.Lock()
				defer mu.Unlock()
				_, _ = conn.Write(append(line, '\n'))
			}(req)
		}
	}()
}

var _ = Describe("Dial", func() {
	It("reports a missing socket", func() {
		_, err := client.Dial(context.Background(), tempSocket("missing.sock"))
		Expect(err).To(MatchError(domain.ErrSocketNotFound))
	})

	It("reports a stale socket as a stopped daemon", func() {
		path := tempSocket("stale.sock")
		ln, err := net.Listen("unix", path)
		Expect(err).NotTo(HaveOccurred())
		ln.(*net.UnixListener).SetUnlinkOnClose(false)
		Expect(ln.Close()).To(Succeed())

		_, err = client.Dial(context.Background(), path)
		Expect(err).To(MatchError(domain.ErrDaemonNotRunning))
	})
})

var _ = Describe("Client", func() {
	It("times out slow requests and keeps the connection usable", func() {
		path := tempSocket("slow.sock")
		serveSlow(path, 300*time.Millisecond)

		c, err := client.Dial(context.Background(), path, client.WithTimeout(100*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Close)

		_, err = c.Status(context.Background())
		Expect(err).To(MatchError(domain.ErrRequestTimeout))

		Expect(c.Ping(context.Background())).To(Succeed())
		time.Sleep(300 * time.Millisecond)
		Expect(c.Ping(context.Background())).To(Succeed())
	})

	It("drops the connection when a request is only partly written", func() {
		local, remote := net.Pipe()
		DeferCleanup(remote.Close)
		go func() {
			// take a few bytes of the first request, then stall
			buf := make([]byte, 4)
			_, _ = io.ReadFull(remote, buf)
		}()

		c := client.NewFromConn(local, client.WithTimeout(100*time.Millisecond))
		DeferCleanup(c.Close)

		Expect(c.Ping(context.Background())).To(MatchError(domain.ErrRequestTimeout))

		start := time.Now()
		Expect(c.Ping(context.Background())).To(MatchError(domain.ErrRequestTimeout))
		Expect(time.Since(start)).To(BeNumerically("<", 50*time.Millisecond))
	})

	It("fails pending calls when the daemon goes away", func() {
		path := tempSocket("gone.sock")
		ln, err := net.Listen("unix", path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(ln.Close)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = bufio.NewReader(conn).ReadBytes('\n')
			_ = conn.Close()
		}()

		c, err := client.Dial(context.Background(), path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Close)

		Expect(c.Ping(context.Background())).To(MatchError(domain.ErrDaemonNotRunning))
	})

	Context("against a running daemon", func() {
		var c *client.Client

		BeforeEach(func() {
			path := tempSocket("jobd.sock")
			d := daemon.New(store.NewMemoryStore(10), nil, nil, daemon.Config{StopGrace: 500 * time.Millisecond})
			Expect(d.Start(context.Background())).To(Succeed())

			server := ipc.NewServer(path, ipc.NewHandler(d))
			Expect(server.Listen()).To(Succeed())
			go func() { _ = server.Serve(context.Background()) }()
			DeferCleanup(func() {
				_ = server.Close(context.Background())
				_ = d.Stop(context.Background())
			})

			var err error
			c, err = client.Dial(context.Background(), path)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Close)
		})

		It("manages jobs end to end", func() {
			ctx := context.Background()
			job, err := c.AddJob(ctx, model.JobSpec{Name: "greeting", Command: "echo hello", Enabled: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).NotTo(BeEmpty())

			_, err = c.TriggerJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() model.JobStatus {
				got, err := c.GetJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				return got.Status
			}, 3*time.Second).Should(Equal(model.JobStatusCompleted))

			execs, err := c.GetExecutions(ctx, job.ID, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(execs).To(HaveLen(1))
			Expect(execs[0].Stdout).To(Equal("hello\n"))

			jobs, err := c.ListJobs(ctx, model.JobFilter{Name: "greet"})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))

			Expect(c.RemoveJob(ctx, job.ID, false)).To(Succeed())
			_, err = c.GetJob(ctx, job.ID)
			Expect(err).To(MatchError(domain.ErrJobNotFound))
		})

		It("multiplexes concurrent calls", func() {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Status(context.Background())
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("returns the job schema", func() {
			schema, err := c.Schema(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(schema)).To(ContainSubstring(`"command"`))
		})
	})
})
