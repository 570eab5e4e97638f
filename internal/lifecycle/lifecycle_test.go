package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

func TestCheckAmbulance_Cycle(t *testing.T) {
	require.NoError(t, CheckAmbulance(models.AmbulanceAvailable, models.AmbulanceDispatched, TriggerEngine))
	require.NoError(t, CheckAmbulance(models.AmbulanceDispatched, models.AmbulanceTransporting, TriggerField))
	require.NoError(t, CheckAmbulance(models.AmbulanceTransporting, models.AmbulanceAtHospital, TriggerField))
	require.NoError(t, CheckAmbulance(models.AmbulanceAtHospital, models.AmbulanceAvailable, TriggerField))
}

func TestCheckAmbulance_Rejections(t *testing.T) {
	tests := []struct {
		name string
		from models.AmbulanceStatus
		to   models.AmbulanceStatus
		by   Trigger
	}{
		{"dispatch needs engine", models.AmbulanceAvailable, models.AmbulanceDispatched, TriggerField},
		{"skip back to transporting", models.AmbulanceAtHospital, models.AmbulanceTransporting, TriggerField},
		{"out of service needs explicit return", models.AmbulanceOutOfService, models.AmbulanceAvailable, TriggerField},
		{"stand down is not a field update", models.AmbulanceDispatched, models.AmbulanceAvailable, TriggerField},
		{"unknown status", models.AmbulanceAvailable, models.AmbulanceStatus("parked"), TriggerField},
		{"self transition", models.AmbulanceAvailable, models.AmbulanceAvailable, TriggerField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAmbulance(tt.from, tt.to, tt.by)
			var ite *IllegalTransitionError
			require.True(t, errors.As(err, &ite), "expected IllegalTransitionError, got %v", err)
			assert.Equal(t, models.KindAmbulance, ite.Kind)
		})
	}
}

func TestCheckAmbulance_OutOfServiceFromAnywhere(t *testing.T) {
	for _, from := range []models.AmbulanceStatus{
		models.AmbulanceAvailable, models.AmbulanceDispatched, models.AmbulanceTransporting, models.AmbulanceAtHospital,
	} {
		assert.NoError(t, CheckAmbulance(from, models.AmbulanceOutOfService, TriggerField), from)
	}
	assert.NoError(t, CheckAmbulance(models.AmbulanceOutOfService, models.AmbulanceAvailable, TriggerReturnToService))

	err := CheckAmbulance(models.AmbulanceOutOfService, models.AmbulanceAvailable, TriggerField)
	assert.Contains(t, err.Error(), "requires return to service")
}

func TestCheckEmergency(t *testing.T) {
	require.NoError(t, CheckEmergency(models.EmergencyPending, models.EmergencyAssigned, TriggerEngine))
	require.NoError(t, CheckEmergency(models.EmergencyAssigned, models.EmergencyEnRoute, TriggerField))
	require.NoError(t, CheckEmergency(models.EmergencyEnRoute, models.EmergencyAtHospital, TriggerField))
	require.NoError(t, CheckEmergency(models.EmergencyAtHospital, models.EmergencyResolved, TriggerField))

	assert.Error(t, CheckEmergency(models.EmergencyPending, models.EmergencyAssigned, TriggerField))
	assert.Error(t, CheckEmergency(models.EmergencyAssigned, models.EmergencyPending, TriggerField))
	assert.NoError(t, CheckEmergency(models.EmergencyAssigned, models.EmergencyPending, TriggerRequeue))

	for _, from := range []models.EmergencyStatus{
		models.EmergencyPending, models.EmergencyAssigned, models.EmergencyEnRoute, models.EmergencyAtHospital,
	} {
		assert.NoError(t, CheckEmergency(from, models.EmergencyCancelled, TriggerField), from)
	}
}

func TestCheckEmergency_TerminalIsImmutable(t *testing.T) {
	for _, from := range []models.EmergencyStatus{models.EmergencyResolved, models.EmergencyCancelled} {
		err := CheckEmergency(from, models.EmergencyPending, TriggerRequeue)
		var ite *IllegalTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, "emergency is closed", ite.Reason)
	}
}

func TestEmergencyFollows(t *testing.T) {
	f, ok := EmergencyFollows(models.AmbulanceDispatched, models.AmbulanceTransporting)
	require.True(t, ok)
	assert.Equal(t, models.EmergencyEnRoute, f.To)
	assert.False(t, f.Detach)

	f, ok = EmergencyFollows(models.AmbulanceAtHospital, models.AmbulanceAvailable)
	require.True(t, ok)
	assert.Equal(t, models.EmergencyResolved, f.To)
	assert.True(t, f.Detach)

	f, ok = EmergencyFollows(models.AmbulanceDispatched, models.AmbulanceOutOfService)
	require.True(t, ok)
	assert.Equal(t, models.EmergencyPending, f.To)
	assert.Equal(t, TriggerRequeue, f.Trigger)

	_, ok = EmergencyFollows(models.AmbulanceAvailable, models.AmbulanceOutOfService)
	assert.False(t, ok)
}

func TestAmbulanceFollowsRequeue(t *testing.T) {
	for _, from := range []models.EmergencyStatus{models.EmergencyAssigned, models.EmergencyEnRoute} {
		f, ok := AmbulanceFollows(from, models.EmergencyPending)
		require.True(t, ok, from)
		assert.Equal(t, models.AmbulanceAvailable, f.To)
		assert.Equal(t, TriggerRelease, f.Trigger)
		assert.True(t, f.Detach)
	}
	_, ok := AmbulanceFollows(models.EmergencyAtHospital, models.EmergencyPending)
	assert.False(t, ok)
}

// Every follow-on transition must itself be legal, otherwise a linked
// commit could never succeed.
func TestFollowsAreLegal(t *testing.T) {
	ambulanceStates := []models.AmbulanceStatus{
		models.AmbulanceAvailable, models.AmbulanceDispatched, models.AmbulanceTransporting,
		models.AmbulanceAtHospital, models.AmbulanceOutOfService,
	}
	emergencyFor := map[models.AmbulanceStatus]models.EmergencyStatus{
		models.AmbulanceDispatched:   models.EmergencyAssigned,
		models.AmbulanceTransporting: models.EmergencyEnRoute,
		models.AmbulanceAtHospital:   models.EmergencyAtHospital,
	}
	for _, from := range ambulanceStates {
		for _, to := range ambulanceStates {
			f, ok := EmergencyFollows(from, to)
			if !ok {
				continue
			}
			emFrom, engaged := emergencyFor[from]
			require.True(t, engaged, "%s -> %s", from, to)
			assert.NoError(t, CheckEmergency(emFrom, f.To, f.Trigger), "%s -> %s", from, to)
		}
	}

	ambulanceFor := map[models.EmergencyStatus]models.AmbulanceStatus{
		models.EmergencyAssigned:   models.AmbulanceDispatched,
		models.EmergencyEnRoute:    models.AmbulanceTransporting,
		models.EmergencyAtHospital: models.AmbulanceAtHospital,
	}
	for emFrom, ambFrom := range ambulanceFor {
		for _, to := range []models.EmergencyStatus{
			models.EmergencyPending, models.EmergencyEnRoute, models.EmergencyAtHospital, models.EmergencyResolved, models.EmergencyCancelled,
		} {
			f, ok := AmbulanceFollows(emFrom, to)
			if !ok {
				continue
			}
			assert.NoError(t, CheckAmbulance(ambFrom, f.To, f.Trigger), "%s -> %s", emFrom, to)
		}
	}
}
