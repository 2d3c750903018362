package stratisd

// PassphraseUnlocker and NetworkUnlocker are the two concrete Unlocker
// shapes a RequestHandler caller supplies to EncryptionBind/EncryptionRebind.
// They carry only the fields a caller needs to name (a keyring description,
// or a network/TPM policy document); internal/engine translates them into
// internal/encryption's richer slot-backend types, which is why the root
// package's copy stays deliberately thin.
type PassphraseUnlocker struct {
	KeyDescription string
}

func (PassphraseUnlocker) unlockerKind() string { return "passphrase" }

// NetworkUnlocker references a network/TPM-bound policy document: a
// server URL and the thumbprint (or TPM policy digest) expected back, and
// a bound on how long a single unlock attempt may take before falling
// through to the next slot.
type NetworkUnlocker struct {
	URL            string
	Thumbprint     string
	TimeoutSeconds int
}

func (NetworkUnlocker) unlockerKind() string { return "network" }
