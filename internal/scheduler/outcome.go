package scheduler

import (
	"math/rand"

	"github.com/clawsnetwork/stream-agency/internal/stream"
)

// OutcomeKind is the scheduling action one stream response leads to.
type OutcomeKind int

const (
	OutcomeBackoff OutcomeKind = iota
	OutcomeArmSuccess
	OutcomeReSync
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeArmSuccess:
		return "arm_success"
	case OutcomeReSync:
		return "resync"
	default:
		return "backoff"
	}
}

// Classify maps a stream response to its scheduling outcome. Both a success
// and an already-streaming rejection arm the schedule only when the response
// carried an end instant; everything else lands on the retry ladder.
func Classify(res stream.Result) OutcomeKind {
	switch {
	case res.OK && res.EndStreamMS != 0:
		return OutcomeArmSuccess
	case res.Reason == stream.ReasonAlreadyStreaming && res.EndStreamMS != 0:
		return OutcomeReSync
	default:
		return OutcomeBackoff
	}
}

// Retry ladder for failed attempts, then a flat ceiling.
var retryDelaysSec = [...]int64{30, 60, 120}

const maxRetryDelaySec = 180

func retryDelayMS(step int64) int64 {
	if step >= 0 && step < int64(len(retryDelaysSec)) {
		return retryDelaysSec[step] * 1000
	}
	return maxRetryDelaySec * 1000
}

// NextPlannedAttempt schedules the wake-up leadSec before the window closes,
// plus uniform jitter in [0, jitterSec*1000] so a fleet of agents spreads out.
func NextPlannedAttempt(endMS, leadSec, jitterSec int64, rng *rand.Rand) int64 {
	next := endMS - leadSec*1000
	if j := jitterSec * 1000; j > 0 {
		next += rng.Int63n(j + 1)
	}
	return next
}

func feeForSuccess(rewardPerWindow float64, feeBps int64) float64 {
	return rewardPerWindow * float64(feeBps) / 10000
}
