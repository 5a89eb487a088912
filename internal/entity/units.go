package entity

// Stage values are energies in Hartree. Relative values reported to the
// operator and compared against thresholds are in kcal/mol.
const (
	HartreeToKcal = 627.50947428

	// BoltzmannHartree is k_B in Hartree per Kelvin.
	BoltzmannHartree = 3.1668114e-6
)
