package ipc_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
)

var _ = Describe("Handler", func() {
	var (
		ctx     context.Context
		daemon  *mockDaemon
		handler *ipc.Handler
	)

	BeforeEach(func() {
		ctx = context.Background()
		daemon = &mockDaemon{}
		handler = ipc.NewHandler(daemon)
	})

	call := func(command, args string) ipc.Response {
		return handler.Handle(ctx, ipc.Request{ID: "req-1", Command: command, Args: json.RawMessage(args)})
	}

	It("answers ping", func() {
		resp := call(ipc.CmdPing, "")
		Expect(resp.Success).To(BeTrue())
		Expect(resp.ID).To(Equal("req-1"))
		Expect(string(resp.Data)).To(MatchJSON(`{"pong":true}`))
	})

	It("decodes add-job args into a job spec", func() {
		var got model.JobSpec
		daemon.addJobFn = func(_ context.Context, spec model.JobSpec) (*model.JobSpec, error) {
			got = spec
			spec.ID = "generated"
			return &spec, nil
		}

		resp := call(ipc.CmdAddJob, `{"command":"echo hi","schedule":{"interval":1000}}`)
		Expect(resp.Err()).NotTo(HaveOccurred())
		Expect(got.Command).To(Equal("echo hi"))
		Expect(got.Enabled).To(BeTrue())
		Expect(got.Schedule.Interval).To(Equal(int64(1000)))

		var job model.JobSpec
		Expect(json.Unmarshal(resp.Data, &job)).To(Succeed())
		Expect(job.ID).To(Equal("generated"))
	})

	It("routes id commands to the matching operation", func() {
		var ops []string
		daemon.jobFn = func(_ context.Context, op, id string) (*model.JobSpec, error) {
			ops = append(ops, op+":"+id)
			return &model.JobSpec{ID: id}, nil
		}

		for _, cmd := range []string{ipc.CmdEnableJob, ipc.CmdDisableJob, ipc.CmdStartJob, ipc.CmdTriggerJob, ipc.CmdGetJob} {
			Expect(call(cmd, `{"id":"j1"}`).Err()).NotTo(HaveOccurred())
		}
		Expect(ops).To(Equal([]string{"enable:j1", "disable:j1", "start:j1", "trigger:j1", "get:j1"}))
	})

	It("passes update, stop and remove args through", func() {
		daemon.updateJobFn = func(_ context.Context, id string, u model.JobUpdate) (*model.JobSpec, error) {
			Expect(id).To(Equal("j1"))
			Expect(*u.Name).To(Equal("renamed"))
			return &model.JobSpec{ID: id, Name: *u.Name}, nil
		}
		daemon.stopJobFn = func(_ context.Context, id, signal string) (*model.JobSpec, error) {
			Expect(signal).To(Equal("KILL"))
			return &model.JobSpec{ID: id}, nil
		}
		daemon.removeJobFn = func(_ context.Context, id string, force bool) error {
			Expect(force).To(BeTrue())
			return nil
		}

		Expect(call(ipc.CmdUpdateJob, `{"id":"j1","update":{"name":"renamed"}}`).Err()).NotTo(HaveOccurred())
		Expect(call(ipc.CmdStopJob, `{"id":"j1","signal":"KILL"}`).Err()).NotTo(HaveOccurred())

		resp := call(ipc.CmdRemoveJob, `{"id":"j1","force":true}`)
		Expect(resp.Err()).NotTo(HaveOccurred())
		Expect(string(resp.Data)).To(MatchJSON(`{"removed":"j1"}`))
	})

	It("returns an empty list rather than null for executions", func() {
		resp := call(ipc.CmdGetExecutions, `{"id":"j1","limit":5}`)
		Expect(resp.Err()).NotTo(HaveOccurred())
		Expect(string(resp.Data)).To(Equal("[]"))
	})

	It("returns the job schema", func() {
		resp := call(ipc.CmdSchema, "")
		Expect(resp.Err()).NotTo(HaveOccurred())

		var schema map[string]any
		Expect(json.Unmarshal(resp.Data, &schema)).To(Succeed())
		Expect(schema).To(HaveKey("properties"))
		Expect(schema["properties"]).To(HaveKey("command"))
	})

	It("requests shutdown on stop-daemon", func() {
		resp := call(ipc.CmdStopDaemon, "")
		Expect(string(resp.Data)).To(MatchJSON(`{"stopping":true}`))
		Expect(daemon.shutdownCalls).To(Equal(1))
	})

	DescribeTable("reports coded errors",
		func(command, args string, code domain.Code) {
			resp := call(command, args)
			Expect(resp.Success).To(BeFalse())
			Expect(resp.Error.Code).To(Equal(code))
		},
		Entry("unknown command", "explode", "", domain.CodeUnknownCommand),
		Entry("missing id", ipc.CmdGetJob, `{}`, domain.CodeInvalidArgument),
		Entry("bad args", ipc.CmdAddJob, `[1,2]`, domain.CodeInvalidArgument),
		Entry("negative limit", ipc.CmdGetExecutions, `{"id":"j1","limit":-1}`, domain.CodeInvalidArgument),
		Entry("daemon error", ipc.CmdGetJob, `{"id":"nope"}`, domain.CodeJobNotFound),
		Entry("stop of idle job", ipc.CmdStopJob, `{"id":"j1"}`, domain.CodeJobNotRunning),
	)
})
