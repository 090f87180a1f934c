package daemon_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/daemon"
)

var _ = DescribeTable("Backoff",
	func(attempt int, want time.Duration) {
		Expect(daemon.Backoff(attempt, time.Second, time.Minute)).To(Equal(want))
	},
	Entry("first retry waits the base", 1, time.Second),
	Entry("doubles", 2, 2*time.Second),
	Entry("keeps doubling", 4, 8*time.Second),
	Entry("is capped", 7, time.Minute),
	Entry("stays capped far out", 200, time.Minute),
	Entry("treats zero as the first retry", 0, time.Second),
)
