package seed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(42)
	b := NewGenerator(42)

	assert.Equal(t, a.Doctors(5), b.Doctors(5))
	assert.Equal(t, a.Patients(5), b.Patients(5))
}

func TestGenerator_Doctors(t *testing.T) {
	doctors := NewGenerator(7).Doctors(50)
	require.Len(t, doctors, 50)

	for _, d := range doctors {
		assert.NotEmpty(t, d.FullName)
		require.NotNil(t, d.Specialty)
		assert.Contains(t, specialties, *d.Specialty)
		assert.False(t, d.ConsultationFee.IsNegative())
		assert.LessOrEqual(t, -d.ConsultationFee.Exponent(), int32(2))
	}
}

func TestGenerator_Patients(t *testing.T) {
	patients := NewGenerator(7).Patients(20)
	require.Len(t, patients, 20)

	for _, p := range patients {
		assert.NotEmpty(t, p.FullName)
		require.NotNil(t, p.DateOfBirth)
		assert.GreaterOrEqual(t, p.DateOfBirth.Year(), 1940)
		assert.LessOrEqual(t, p.DateOfBirth.Year(), 2020)
		require.NotNil(t, p.Phone)
		assert.LessOrEqual(t, len(*p.Phone), 20)
	}
}

func TestLoadMemory(t *testing.T) {
	store := appointment.NewMemoryStore()
	g := NewGenerator(1)

	doctors, patients := LoadMemory(store, g.Doctors(3), g.Patients(4))
	require.Len(t, doctors, 3)
	require.Len(t, patients, 4)

	seen := map[int64]bool{}
	for _, d := range doctors {
		assert.NotZero(t, d.ID)
		seen[d.ID] = true
	}
	for _, p := range patients {
		assert.False(t, seen[p.ID], "ids are unique across kinds")
	}
}
