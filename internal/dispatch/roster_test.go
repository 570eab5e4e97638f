package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// MockRoster is a mock implementation of Roster
type MockRoster struct {
	mock.Mock
}

func (m *MockRoster) LoadAmbulances(ctx context.Context) ([]models.Ambulance, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Ambulance), args.Error(1)
}

func (m *MockRoster) LoadHospitals(ctx context.Context) ([]models.Hospital, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Hospital), args.Error(1)
}

func (m *MockRoster) SaveAmbulance(ctx context.Context, a models.Ambulance) error {
	return m.Called(ctx, a).Error(0)
}

func (m *MockRoster) SaveHospital(ctx context.Context, h models.Hospital) error {
	return m.Called(ctx, h).Error(0)
}

func TestService_LoadRoster(t *testing.T) {
	s := newService(t, latEstimator{})
	r := &MockRoster{}
	r.On("LoadHospitals", mock.Anything).Return([]models.Hospital{
		{ID: "H-1", Name: "Kenyatta National", Location: scene, ERStatus: models.ERAvailable, Capacity: 15, Occupancy: 9},
	}, nil)
	r.On("LoadAmbulances", mock.Anything).Return([]models.Ambulance{
		{ID: "AMB-101", Crew: "Mwangi", Capability: models.CapabilityAdvanced, Location: scene, Status: models.AmbulanceTransporting, AssignedEmergency: "E-9"},
		{ID: "AMB-102", Crew: "Otieno", Capability: models.CapabilityBasic, Location: scene, Status: models.AmbulanceOutOfService},
	}, nil)

	require.NoError(t, s.LoadRoster(context.Background(), r))

	snap := s.Store.Snapshot()
	a, ok := snap.Ambulance("AMB-101")
	require.True(t, ok)
	assert.Equal(t, models.AmbulanceAvailable, a.Status)
	assert.Empty(t, a.AssignedEmergency)
	b, _ := snap.Ambulance("AMB-102")
	assert.Equal(t, models.AmbulanceOutOfService, b.Status)
	h, ok := snap.Hospital("H-1")
	require.True(t, ok)
	assert.Equal(t, 9, h.Occupancy)
	r.AssertExpectations(t)
}

func TestService_LoadRosterErrors(t *testing.T) {
	s := newService(t, latEstimator{})
	r := &MockRoster{}
	r.On("LoadHospitals", mock.Anything).Return(nil, errors.New("connection refused"))
	err := s.LoadRoster(context.Background(), r)
	assert.ErrorContains(t, err, "load hospitals")

	s = newService(t, latEstimator{})
	r = &MockRoster{}
	r.On("LoadHospitals", mock.Anything).Return([]models.Hospital{}, nil)
	r.On("LoadAmbulances", mock.Anything).Return([]models.Ambulance{{ID: "AMB-1", Capability: "hovercraft", Location: scene}}, nil)
	err = s.LoadRoster(context.Background(), r)
	assert.ErrorContains(t, err, "register ambulance AMB-1")
}

func TestService_SaveRoster(t *testing.T) {
	s := newService(t, latEstimator{})
	addUnit(t, s, "A", models.CapabilityBasic, -1.1)
	addUnit(t, s, "B", models.CapabilityBasic, -1.2)

	r := &MockRoster{}
	r.On("SaveAmbulance", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, s.SaveRoster(context.Background(), r))
	r.AssertNumberOfCalls(t, "SaveAmbulance", 2)
	r.AssertNotCalled(t, "SaveHospital", mock.Anything, mock.Anything)
}
