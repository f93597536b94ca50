package preorder

import "testing"

func TestCommitCodeDeterministic(t *testing.T) {
	a := CommitCode("GAME-KEY-0001")
	b := CommitCode("GAME-KEY-0001")
	if a != b {
		t.Fatalf("same code must hash identically")
	}
	if a == CommitCode("GAME-KEY-0002") {
		t.Fatalf("distinct codes must hash differently")
	}
}

func TestSaltedCommitmentBindsSalt(t *testing.T) {
	hash := CommitCode("GAME-KEY-0001")
	saltA := DeriveSalt(newTestAddress(0x01), testNow)
	saltB := DeriveSalt(newTestAddress(0x01), testNow+1)
	if SaltedCommitment(hash, saltA) == SaltedCommitment(hash, saltB) {
		t.Fatalf("different salts must produce different commitments")
	}
}

func TestVerifyCode(t *testing.T) {
	salt := DeriveSalt(newTestAddress(0x01), testNow)
	stored := SaltedCommitment(CommitCode("GAME-KEY-0001"), salt)

	if !VerifyCode("GAME-KEY-0001", salt, stored) {
		t.Fatalf("correct code must verify")
	}
	if VerifyCode("GAME-KEY-0002", salt, stored) {
		t.Fatalf("wrong code must not verify")
	}
	if VerifyCode("", salt, stored) {
		t.Fatalf("empty code must not verify")
	}
	wrongSalt := DeriveSalt(newTestAddress(0x02), testNow)
	if VerifyCode("GAME-KEY-0001", wrongSalt, stored) {
		t.Fatalf("wrong salt must not verify")
	}
}

func TestDeriveSalt(t *testing.T) {
	sellerA := newTestAddress(0x01)
	sellerB := newTestAddress(0x02)
	if DeriveSalt(sellerA, testNow) != DeriveSalt(sellerA, testNow) {
		t.Fatalf("salt derivation must be deterministic")
	}
	if DeriveSalt(sellerA, testNow) == DeriveSalt(sellerB, testNow) {
		t.Fatalf("salt must depend on seller identity")
	}
	if DeriveSalt(sellerA, testNow) == DeriveSalt(sellerA, testNow+1) {
		t.Fatalf("salt must depend on creation time")
	}
}
