package apksign

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Signature algorithm IDs.
const (
	sigRSAPKCS1SHA256 uint32 = 0x0103
	sigECDSASHA256    uint32 = 0x0201
)

// Signing block pair IDs.
const (
	blockIDV2 uint32 = 0x7109871a
	blockIDV3 uint32 = 0xf05368c0
)

const (
	chunkSize = 1 << 20

	// strippingProtectionAttr in a v2 signer names the newest scheme the APK
	// was also signed with, so the v3 signature cannot be removed silently.
	strippingProtectionAttr uint32 = 0xbeeff00d
	schemeV3                uint32 = 3

	// A v3 signer must cover every level from 28 upward regardless of the
	// APK's own minimum, so the block always declares [28, MaxInt32].
	v3MinSDK = 28
	v3MaxSDK = 0x7fffffff
)

// ErrNoScheme indicates neither v2 nor v3 was requested.
var ErrNoScheme = errors.New("no signature scheme enabled")

// Options selects the signature schemes.
type Options struct {
	// MinSDK is the lowest API level the APK installs on. It only gates v2,
	// which needs 24 or later. The v3 range is fixed.
	MinSDK int
	V2     bool
	V3     bool
}

// DefaultOptions signs with v2 and v3 for the given API level.
func DefaultOptions(minSDK int) Options {
	return Options{MinSDK: minSDK, V2: true, V3: true}
}

// Sign writes a signed copy of the APK at in to out. Any existing signing
// block in the input is replaced.
func Sign(in, out string, key *Key, opts Options) error {
	apk, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", in, err)
	}
	signed, err := SignBytes(apk, key, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, signed, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	return nil
}

// SignBytes returns a signed copy of apk.
func SignBytes(apk []byte, key *Key, opts Options) ([]byte, error) {
	if !opts.V2 && !opts.V3 {
		return nil, ErrNoScheme
	}
	if opts.V2 && opts.MinSDK > 0 && opts.MinSDK < 24 {
		return nil, fmt.Errorf("min SDK %d predates v2 signature verification", opts.MinSDK)
	}
	if key == nil || key.Signer == nil {
		return nil, fmt.Errorf("%w: no key", ErrUnsupportedKey)
	}
	algo, err := key.algorithm()
	if err != nil {
		return nil, err
	}
	s, err := split(apk)
	if err != nil {
		return nil, err
	}

	offset := int64(len(s.contents))
	digest := contentDigest(s.contents, s.central, s.eocdWithOffset(offset))

	var pairs []pair
	if opts.V2 {
		var attrs [][]byte
		if opts.V3 {
			attrs = append(attrs, attribute(strippingProtectionAttr, u32(schemeV3)))
		}
		signer, err := signerV2(key, algo, digest, attrs)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{id: blockIDV2, value: prefixed(prefixed(signer))})
	}
	if opts.V3 {
		signer, err := signerV3(key, algo, digest)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{id: blockIDV3, value: prefixed(prefixed(signer))})
	}
	block := signingBlock(pairs)

	var buf bytes.Buffer
	buf.Grow(len(s.contents) + len(block) + len(s.central) + len(s.eocd))
	buf.Write(s.contents)
	buf.Write(block)
	buf.Write(s.central)
	buf.Write(s.eocdWithOffset(offset + int64(len(block))))
	return buf.Bytes(), nil
}

// contentDigest is the chunked SHA-256 digest over the three protected
// sections.
func contentDigest(sections ...[]byte) []byte {
	var chunks [][]byte
	var count uint32
	for _, section := range sections {
		for len(section) > 0 {
			n := min(chunkSize, len(section))
			h := sha256.New()
			h.Write([]byte{0xa5})
			h.Write(u32(uint32(n)))
			h.Write(section[:n])
			chunks = append(chunks, h.Sum(nil))
			section = section[n:]
			count++
		}
	}
	h := sha256.New()
	h.Write([]byte{0x5a})
	h.Write(u32(count))
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

func signedDataCommon(key *Key, algo uint32, digest []byte) (digests, certs []byte) {
	digests = prefixed(prefixed(concat(u32(algo), prefixed(digest))))
	var cs []byte
	for _, c := range key.Chain {
		cs = append(cs, prefixed(c.Raw)...)
	}
	return digests, prefixed(cs)
}

func signerV2(key *Key, algo uint32, digest []byte, attrs [][]byte) ([]byte, error) {
	digests, certs := signedDataCommon(key, algo, digest)
	signedData := concat(digests, certs, prefixed(concat(attrs...)))
	return finishSigner(key, algo, signedData, nil)
}

func signerV3(key *Key, algo uint32, digest []byte) ([]byte, error) {
	digests, certs := signedDataCommon(key, algo, digest)
	sdk := concat(u32(v3MinSDK), u32(v3MaxSDK))
	signedData := concat(digests, certs, sdk, prefixed(nil))
	return finishSigner(key, algo, signedData, sdk)
}

// finishSigner appends the signature and public key to signed data. sdk is
// the v3 min/max pair written between them, nil for v2.
func finishSigner(key *Key, algo uint32, signedData, sdk []byte) ([]byte, error) {
	h := sha256.Sum256(signedData)
	sig, err := key.Signer.Sign(rand.Reader, h[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(key.Signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return concat(
		prefixed(signedData),
		sdk,
		prefixed(prefixed(concat(u32(algo), prefixed(sig)))),
		prefixed(pub),
	), nil
}

type pair struct {
	id    uint32
	value []byte
}

func signingBlock(pairs []pair) []byte {
	var body []byte
	for _, p := range pairs {
		body = append(body, u64(uint64(4+len(p.value)))...)
		body = append(body, u32(p.id)...)
		body = append(body, p.value...)
	}
	size := u64(uint64(len(body) + 8 + len(blockMagic)))
	return concat(size, body, size, []byte(blockMagic))
}

func attribute(id uint32, value []byte) []byte {
	return prefixed(concat(u32(id), value))
}

func prefixed(b []byte) []byte {
	return concat(u32(uint32(len(b))), b)
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
