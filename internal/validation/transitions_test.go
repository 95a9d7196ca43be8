package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatusesNeverLeave(t *testing.T) {
	terminal := []Status{StatusInserted, StatusFaulty, StatusDisposed, StatusDischarged, StatusDeploymentFailure}

	for _, topology := range []Topology{TopologyPancreasProstate, TopologySkin} {
		for _, from := range terminal {
			assert.True(t, IsTerminal(from, topology), "%s should be terminal for %s", from, topology)

			for _, to := range AllStatuses {
				res := Check(TransitionRequest{Topology: topology, From: from, To: to})
				if to == from {
					assert.True(t, res.Allowed, "%s -> %s no-op must be accepted", from, to)
					continue
				}
				assert.False(t, res.Allowed, "%s -> %s must be rejected for %s", from, to, topology)
				assert.Equal(t, LevelError, res.Level)
			}
		}
	}
}

func TestPancreasProstateScenarios(t *testing.T) {
	tests := []struct {
		name         string
		from, to     Status
		allowed      bool
		confirmation bool
	}{
		{"skipping OPENED", StatusSealed, StatusLoaded, false, false},
		{"open sealed", StatusSealed, StatusOpened, true, false},
		{"load opened", StatusOpened, StatusLoaded, true, false},
		{"insert loaded", StatusLoaded, StatusInserted, true, true},
		{"faulty opened", StatusOpened, StatusFaulty, true, true},
		{"dispose opened", StatusOpened, StatusDisposed, true, false},
		{"discharge loaded", StatusLoaded, StatusDischarged, true, false},
		{"deployment failure", StatusLoaded, StatusDeploymentFailure, true, false},
		{"faulty from loaded", StatusLoaded, StatusFaulty, false, false},
		{"back to sealed", StatusOpened, StatusSealed, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(TransitionRequest{Topology: TopologyPancreasProstate, From: tt.from, To: tt.to})
			assert.Equal(t, tt.allowed, res.Allowed, res.Reason)
			assert.Equal(t, tt.confirmation, res.RequiresConfirmation)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestSkinTopology(t *testing.T) {
	res := Check(TransitionRequest{Topology: TopologySkin, From: StatusSealed, To: StatusInserted})
	assert.True(t, res.Allowed)
	assert.True(t, res.RequiresConfirmation)
	assert.Equal(t, LevelWarning, res.Level)

	res = Check(TransitionRequest{Topology: TopologySkin, From: StatusSealed, To: StatusOpened})
	assert.False(t, res.Allowed)

	res = Check(TransitionRequest{Topology: TopologySkin, From: StatusSealed, To: StatusFaulty})
	assert.True(t, res.Allowed)
	assert.True(t, res.RequiresConfirmation)
}

func TestGenericTopologyAllowsCorrections(t *testing.T) {
	allowed := [][2]Status{
		{StatusSealed, StatusFaulty},
		{StatusInserted, StatusDischarged},
		{StatusInserted, StatusDisposed},
		{StatusFaulty, StatusDisposed},
		{StatusDeploymentFailure, StatusFaulty},
		{StatusLoaded, StatusFaulty},
	}
	for _, pair := range allowed {
		res := Check(TransitionRequest{Topology: TopologyGeneric, From: pair[0], To: pair[1]})
		assert.True(t, res.Allowed, "%s -> %s", pair[0], pair[1])
	}

	assert.False(t, IsTerminal(StatusFaulty, TopologyGeneric))
	assert.False(t, IsTerminal(StatusInserted, TopologyGeneric))
	assert.True(t, IsTerminal(StatusDisposed, TopologyGeneric))
	assert.True(t, IsTerminal(StatusDischarged, TopologyGeneric))

	res := Check(TransitionRequest{Topology: TopologyGeneric, From: StatusDisposed, To: StatusFaulty})
	assert.False(t, res.Allowed)
}

func TestUnknownTopologyFallsBackToGeneric(t *testing.T) {
	res := Check(TransitionRequest{Topology: Topology("liver"), From: StatusInserted, To: StatusDischarged})
	assert.True(t, res.Allowed)

	assert.Equal(t, TopologyGeneric, TopologyFor(""))
	assert.Equal(t, TopologyGeneric, TopologyFor("breast"))
	assert.Equal(t, TopologyPancreasProstate, TopologyFor(" Prostate "))
	assert.Equal(t, TopologyPancreasProstate, TopologyFor("pancreas"))
	assert.Equal(t, TopologySkin, TopologyFor("SKIN"))
}

func TestUnscannedApplicator(t *testing.T) {
	res := Check(TransitionRequest{Topology: TopologyPancreasProstate, From: Unscanned, To: StatusSealed})
	assert.True(t, res.Allowed)
	assert.Equal(t, LevelInfo, res.Level)

	res = Check(TransitionRequest{Topology: TopologyPancreasProstate, From: Unscanned, To: StatusOpened})
	assert.True(t, res.Allowed)

	res = Check(TransitionRequest{Topology: TopologyPancreasProstate, From: Unscanned, To: StatusLoaded})
	assert.False(t, res.Allowed)

	res = Check(TransitionRequest{Topology: TopologySkin, From: Unscanned, To: StatusInserted})
	assert.True(t, res.Allowed)
	assert.True(t, res.RequiresConfirmation)

	res = Check(TransitionRequest{Topology: TopologySkin, From: StatusSealed, To: Unscanned})
	assert.False(t, res.Allowed)
}

func TestUnknownStatusesRejected(t *testing.T) {
	res := Check(TransitionRequest{Topology: TopologyGeneric, From: Status("BROKEN"), To: StatusOpened})
	assert.False(t, res.Allowed)

	res = Check(TransitionRequest{Topology: TopologyGeneric, From: StatusSealed, To: Status("LOST")})
	assert.False(t, res.Allowed)
}

func TestOfflineTransitionIsAnnotated(t *testing.T) {
	res := Check(TransitionRequest{Topology: TopologyPancreasProstate, From: StatusOpened, To: StatusLoaded, Offline: true})
	assert.True(t, res.Allowed)
	assert.False(t, res.RequiresConfirmation)
	assert.Equal(t, LevelInfo, res.Level)
	assert.Contains(t, res.Reason, "offline")

	res = Check(TransitionRequest{Topology: TopologyPancreasProstate, From: StatusLoaded, To: StatusInserted, Offline: true})
	assert.Equal(t, LevelWarning, res.Level)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus(" opened ")
	assert.True(t, ok)
	assert.Equal(t, StatusOpened, s)

	s, ok = ParseStatus("")
	assert.True(t, ok)
	assert.Equal(t, Unscanned, s)
	assert.Equal(t, "UNSCANNED", s.String())

	_, ok = ParseStatus("melted")
	assert.False(t, ok)
}

func TestValidateReason(t *testing.T) {
	assert.False(t, ValidateReason(StatusFaulty, "  ").Allowed)
	assert.True(t, ValidateReason(StatusFaulty, "cracked housing").Allowed)
	assert.True(t, ValidateReason(StatusOpened, "").Allowed)
	assert.False(t, ValidateReason(StatusDischarged, "").Allowed)
}

func TestCriticalSet(t *testing.T) {
	assert.True(t, IsCritical(StatusInserted))
	assert.True(t, IsCritical(StatusDeploymentFailure))
	assert.False(t, IsCritical(StatusDischarged))
	assert.False(t, IsCritical(StatusOpened))
}
