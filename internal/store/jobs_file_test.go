package store_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/model"
	"lsh.app/jobd/internal/store"
)

var _ = Describe("JobsFile", func() {
	var (
		dir  string
		file *store.JobsFile
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		file = store.NewJobsFile(filepath.Join(dir, "nested", "jobs.json"))
	})

	It("loads nothing when the file is missing", func() {
		jobs, err := file.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(BeEmpty())
	})

	It("round-trips jobs with their last execution", func() {
		code := 0
		job := newJob("a", 0)
		job.Schedule = &model.Schedule{Cron: "*/5 * * * *"}
		job.LastExecution = &model.ExecutionSummary{
			ExecutionID: "e1",
			Status:      model.ExecutionStatusCompleted,
			ExitCode:    &code,
			StartedAt:   epoch,
		}
		Expect(file.Save([]model.JobSpec{*job, *newJob("b", 1)})).To(Succeed())

		jobs, err := file.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobIDs(jobs)).To(Equal([]string{"a", "b"}))
		Expect(jobs[0].Schedule.Cron).To(Equal("*/5 * * * *"))
		Expect(jobs[0].LastExecution.ExecutionID).To(Equal("e1"))
		Expect(*jobs[0].LastExecution.ExitCode).To(Equal(0))
	})

	It("replaces the file without leaving temp files behind", func() {
		Expect(file.Save([]model.JobSpec{*newJob("a", 0)})).To(Succeed())
		Expect(file.Save([]model.JobSpec{*newJob("b", 0)})).To(Succeed())

		entries, err := os.ReadDir(filepath.Dir(file.Path()))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		jobs, err := file.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobIDs(jobs)).To(Equal([]string{"b"}))
	})

	It("writes an empty array for an empty table", func() {
		Expect(file.Save(nil)).To(Succeed())
		data, err := os.ReadFile(file.Path())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("[]"))
	})

	DescribeTable("reports corrupt content",
		func(content string) {
			Expect(os.MkdirAll(filepath.Dir(file.Path()), 0o700)).To(Succeed())
			Expect(os.WriteFile(file.Path(), []byte(content), 0o600)).To(Succeed())
			_, err := file.Load()
			Expect(errors.Is(err, store.ErrCorruptJobsFile)).To(BeTrue())
		},
		Entry("truncated json", `[{"id":"a",`),
		Entry("not an array", `{"id":"a"}`),
		Entry("job without id", `[{"command":"true"}]`),
	)
})
