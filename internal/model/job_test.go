package model_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/model"
)

var _ = Describe("JobSpec", func() {
	It("defaults enabled to true when the field is absent", func() {
		var job model.JobSpec
		Expect(json.Unmarshal([]byte(`{"command":"echo hi"}`), &job)).To(Succeed())
		Expect(job.Enabled).To(BeTrue())

		Expect(json.Unmarshal([]byte(`{"command":"echo hi","enabled":false}`), &job)).To(Succeed())
		Expect(job.Enabled).To(BeFalse())
	})

	It("classifies schedules", func() {
		Expect((&model.JobSpec{}).IsRecurring()).To(BeFalse())
		Expect((&model.JobSpec{Schedule: &model.Schedule{Cron: "* * * * *"}}).IsRecurring()).To(BeTrue())
		Expect((&model.JobSpec{Schedule: &model.Schedule{Interval: 500}}).IsRecurring()).To(BeTrue())
		Expect((&model.JobSpec{Schedule: &model.Schedule{}}).IsRecurring()).To(BeFalse())
		Expect((&model.Schedule{Interval: 1500}).IntervalDuration()).To(Equal(1500 * time.Millisecond))
	})

	It("clones without sharing state", func() {
		next := time.Now()
		orig := &model.JobSpec{
			ID:          "a",
			Schedule:    &model.Schedule{Interval: 1000},
			Environment: map[string]string{"K": "v"},
			Tags:        []string{"x"},
			NextRunAt:   &next,
		}
		c := orig.Clone()
		c.Schedule.Interval = 2
		c.Environment["K"] = "changed"
		c.Tags[0] = "y"
		*c.NextRunAt = next.Add(time.Hour)

		Expect(orig.Schedule.Interval).To(Equal(int64(1000)))
		Expect(orig.Environment["K"]).To(Equal("v"))
		Expect(orig.Tags).To(Equal([]string{"x"}))
		Expect(*orig.NextRunAt).To(Equal(next))
		Expect((*model.JobSpec)(nil).Clone()).To(BeNil())
	})
})

var _ = Describe("JobFilter", func() {
	enabled, disabled := true, false
	job := &model.JobSpec{Name: "Nightly Backup", Status: model.JobStatusScheduled, Enabled: true, Tags: []string{"ops"}}

	DescribeTable("matches",
		func(f model.JobFilter, want bool) {
			Expect(f.Matches(job)).To(Equal(want))
		},
		Entry("empty filter", model.JobFilter{}, true),
		Entry("status", model.JobFilter{Status: model.JobStatusScheduled}, true),
		Entry("other status", model.JobFilter{Status: model.JobStatusIdle}, false),
		Entry("tag", model.JobFilter{Tag: "ops"}, true),
		Entry("missing tag", model.JobFilter{Tag: "dev"}, false),
		Entry("enabled", model.JobFilter{Enabled: &enabled}, true),
		Entry("disabled", model.JobFilter{Enabled: &disabled}, false),
		Entry("name substring, any case", model.JobFilter{Name: "backup"}, true),
		Entry("name miss", model.JobFilter{Name: "restore"}, false),
	)
})

var _ = Describe("JobUpdate", func() {
	It("applies only the fields that are set", func() {
		name := "renamed"
		job := &model.JobSpec{Name: "old", Command: "true", Schedule: &model.Schedule{Interval: 10}, Priority: 3}

		model.JobUpdate{Name: &name}.Apply(job)
		Expect(job.Name).To(Equal("renamed"))
		Expect(job.Command).To(Equal("true"))
		Expect(job.Priority).To(Equal(3))

		model.JobUpdate{ClearSchedule: true}.Apply(job)
		Expect(job.Schedule).To(BeNil())
	})

	It("knows which updates replace the schedule", func() {
		name, priority := "x", 1
		Expect(model.JobUpdate{Name: &name}.ChangesSchedule()).To(BeFalse())
		Expect(model.JobUpdate{Priority: &priority}.ChangesSchedule()).To(BeFalse())
		Expect(model.JobUpdate{ClearSchedule: true}.ChangesSchedule()).To(BeTrue())
	})
})
