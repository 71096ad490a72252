package apksign

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/avast/apkverifier"
	"github.com/avast/apkverifier/apilevel"
)

// ErrVerify indicates a missing or invalid signature.
var ErrVerify = errors.New("signature verification failed")

// Verification describes a verified APK.
type Verification struct {
	// Schemes lists the verified signature scheme versions, ascending.
	Schemes []int

	// Certificate is the signer certificate of the newest scheme.
	Certificate *x509.Certificate

	// Warnings are non-fatal findings reported by the verifier.
	Warnings []string
}

// Verify checks that the APK at path installs on every API level from
// minSDK upward.
func Verify(path string, minSDK int) (*Verification, error) {
	apk, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return VerifyBytes(apk, minSDK)
}

// VerifyBytes checks apk the way Verify does. A minSDK below 24 is raised to
// 24, the first level that reads the signing block.
//
// The verifier only judges the newest scheme it finds, so levels before v3
// exist are checked in a separate pass. That pass also catches a v2 signer
// whose stripping protection names a v3 block that is gone.
func VerifyBytes(apk []byte, minSDK int) (*Verification, error) {
	lo := max(int32(minSDK), apilevel.V7_0_Nougat)

	v := &Verification{}
	if lo < apilevel.V9_0_Pie {
		if err := verifyRange(apk, lo, apilevel.V9_0_Pie-1, v); err != nil {
			return nil, err
		}
	}
	if err := verifyRange(apk, max(lo, apilevel.V9_0_Pie), apilevel.V_AnyMax, v); err != nil {
		return nil, err
	}
	slices.Sort(v.Schemes)
	v.Schemes = slices.Compact(v.Schemes)
	return v, nil
}

func verifyRange(apk []byte, lo, hi int32, v *Verification) error {
	res, err := apkverifier.VerifyWithSdkVersionReader(bytes.NewReader(apk), nil, lo, hi)
	if err != nil {
		return fmt.Errorf("%w: API %s-%s: %v", ErrVerify, apilevel.String(lo), apilevel.String(hi), err)
	}
	if res.SigningSchemeId < 2 {
		return fmt.Errorf("%w: no v2 or v3 signature", ErrVerify)
	}
	_, cert := apkverifier.PickBestApkCert(res.SignerCerts)
	if cert == nil {
		return fmt.Errorf("%w: no signer certificate", ErrVerify)
	}
	v.Schemes = append(v.Schemes, res.SigningSchemeId)
	v.Certificate = cert
	if res.SigningBlockResult != nil {
		v.Warnings = append(v.Warnings, res.SigningBlockResult.Warnings...)
	}
	return nil
}
