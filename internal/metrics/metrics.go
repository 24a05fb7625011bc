// Package metrics exposes Prometheus counters for the credential flows.
//
// Counters are registered lazily by InitMetrics; until then every Record
// call is a no-op, so library code can record unconditionally.
package metrics

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	authTransitionsTotal *prometheus.CounterVec
	secretFetchTotal     *prometheus.CounterVec
	mfaChallengesTotal   *prometheus.CounterVec
	migrationRecords     *prometheus.CounterVec
	advisoriesRaised     *prometheus.CounterVec
	validationTotal      *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
	mu                sync.RWMutex
)

// InitMetrics registers all counters with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		authTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camcreds_auth_transitions_total",
				Help: "Authentication state machine transitions",
			},
			[]string{"from", "to"},
		)

		secretFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camcreds_secret_fetch_total",
				Help: "Per-device secret fetches from the cloud by outcome",
			},
			[]string{"kind", "outcome"},
		)

		mfaChallengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camcreds_mfa_challenges_total",
				Help: "One-time code challenges issued by the cloud",
			},
			[]string{"purpose"},
		)

		migrationRecords = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camcreds_migration_records_total",
				Help: "Legacy entries processed by migration",
			},
			[]string{"result"},
		)

		advisoriesRaised = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camcreds_advisories_raised_total",
				Help: "Deprecation advisories created",
			},
			[]string{"operation"},
		)

		validationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camcreds_validation_total",
				Help: "RTSP credential validations by outcome",
			},
			[]string{"outcome"},
		)

		mu.Lock()
		metricsRegistered = true
		mu.Unlock()
	})
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	mu.RLock()
	defer mu.RUnlock()
	return metricsRegistered
}

func inc(vec *prometheus.CounterVec, labels ...string) {
	if !IsMetricsRegistered() || vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// RecordAuthTransition counts a state change of the auth machine.
func RecordAuthTransition(from, to string) {
	inc(authTransitionsTotal, from, to)
}

// RecordSecretFetch counts a cloud fetch. outcome is success, mfa or a
// failure reason.
func RecordSecretFetch(kind, outcome string) {
	inc(secretFetchTotal, kind, outcome)
}

// RecordMFAChallenge counts a one-time code request.
func RecordMFAChallenge(purpose string) {
	inc(mfaChallengesTotal, purpose)
}

// RecordMigration counts migrated legacy entries by result.
func RecordMigration(result string, n int) {
	if !IsMetricsRegistered() || migrationRecords == nil || n <= 0 {
		return
	}
	migrationRecords.WithLabelValues(result).Add(float64(n))
}

// RecordAdvisory counts a newly created advisory.
func RecordAdvisory(operation string) {
	inc(advisoriesRaised, operation)
}

// RecordValidation counts an RTSP validation.
func RecordValidation(outcome string) {
	inc(validationTotal, outcome)
}

// GetAuthTransitions returns the transition counter for testing.
func GetAuthTransitions() *prometheus.CounterVec { return authTransitionsTotal }

// GetSecretFetch returns the fetch counter for testing.
func GetSecretFetch() *prometheus.CounterVec { return secretFetchTotal }

// GetMFAChallenges returns the challenge counter for testing.
func GetMFAChallenges() *prometheus.CounterVec { return mfaChallengesTotal }

// GetMigrationRecords returns the migration counter for testing.
func GetMigrationRecords() *prometheus.CounterVec { return migrationRecords }

// GetAdvisoriesRaised returns the advisory counter for testing.
func GetAdvisoriesRaised() *prometheus.CounterVec { return advisoriesRaised }

// GetValidation returns the validation counter for testing.
func GetValidation() *prometheus.CounterVec { return validationTotal }

// WriteText dumps every camcreds metric family in the text exposition
// format. The CLI calls it after a command when --metrics or
// metrics.enabled is set.
func WriteText(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "camcreds_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
