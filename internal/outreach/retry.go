package outreach

import "github.com/BTreeMap/OutreachPipe/internal/models"

// MaxFailedAttempts is the anti-loop ceiling: the attempt that reaches it is the last one.
const MaxFailedAttempts = 3

// stalledError is recorded when a lead exhausts its attempts without the pipeline finishing.
const stalledError = "Processing timeout - max retries reached"

// nextAfterFailure counts one more failed attempt and picks the status that follows it.
func nextAfterFailure(failedAttempts int) (int, models.LeadStatus) {
	n := failedAttempts + 1
	if n >= MaxFailedAttempts {
		return n, models.LeadStatusFailed
	}
	return n, models.LeadStatusPending
}
