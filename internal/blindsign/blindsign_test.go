package blindsign

import "testing"

func TestRoundTrip(t *testing.T) {
	signer, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	message := []byte("00141a2b3c4d5e6f...output script hex")

	blinded, unblinder, err := Blind(signer.PublicKey(), message)
	if err != nil {
		t.Fatalf("blind: %v", err)
	}

	blindSig, err := signer.Sign(blinded)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	sig := Unblind(signer.PublicKey(), blindSig, unblinder)

	if !signer.VerifyUnblinded(message, sig) {
		t.Fatal("expected unblinded signature to verify")
	}
}

func TestVerifyUnblindedRejectsWrongMessage(t *testing.T) {
	signer, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	message := []byte("script A")
	other := []byte("script B")

	blinded, unblinder, _ := Blind(signer.PublicKey(), message)
	blindSig, _ := signer.Sign(blinded)
	sig := Unblind(signer.PublicKey(), blindSig, unblinder)

	if signer.VerifyUnblinded(other, sig) {
		t.Fatal("signature for one message must not verify against another")
	}
}

func TestVerifyUnblindedRejectsReplayAcrossMessages(t *testing.T) {
	// A client registers two different output_scripts with the same
	// unblinded signature: the second must fail verification because the
	// signature is only valid for the message it was produced over (§8
	// scenario 6).
	signer, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	msg1 := []byte("script-one")
	blinded, unblinder, _ := Blind(signer.PublicKey(), msg1)
	blindSig, _ := signer.Sign(blinded)
	sig := Unblind(signer.PublicKey(), blindSig, unblinder)

	if !signer.VerifyUnblinded(msg1, sig) {
		t.Fatal("expected first message to verify")
	}

	msg2 := []byte("script-two")
	if signer.VerifyUnblinded(msg2, sig) {
		t.Fatal("signature must not be replayable against a second message")
	}
}

func TestVerifyUnblindedMalformedInput(t *testing.T) {
	signer, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if signer.VerifyUnblinded(nil, nil) {
		t.Fatal("empty input must not verify")
	}
	if signer.VerifyUnblinded([]byte("x"), []byte{}) {
		t.Fatal("empty signature must not verify")
	}
}

func TestSignFailsOnCorruptKey(t *testing.T) {
	s := &Signer{}
	if _, err := s.Sign([]byte("blob")); err != ErrCorruptKey {
		t.Fatalf("expected ErrCorruptKey, got %v", err)
	}
}
