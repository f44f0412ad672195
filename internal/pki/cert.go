package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

var ErrInvalidHostname = errors.New("invalid hostname")

const (
	ImpersonatedOrganization = "Impersonated Certificate"
	ImpersonatedUnit         = "terasu-mitm"

	maxHostnameLen = 253
)

// SignatureAlgorithm picks the x509 signature algorithm for a key of the
// given public type and a digest name such as "SHA256".
func SignatureAlgorithm(pub crypto.PublicKey, digest string) (x509.SignatureAlgorithm, error) {
	d := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(digest), "-", ""))
	if d == "" {
		d = DefaultDigest
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		switch d {
		case "SHA256":
			return x509.SHA256WithRSA, nil
		case "SHA384":
			return x509.SHA384WithRSA, nil
		case "SHA512":
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch d {
		case "SHA256":
			return x509.ECDSAWithSHA256, nil
		case "SHA384":
			return x509.ECDSAWithSHA384, nil
		case "SHA512":
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedDigest, digest)
}

// DigestOf names the hash behind a signature algorithm, the inverse of
// SignatureAlgorithm. Ed25519 reports "".
func DigestOf(alg x509.SignatureAlgorithm) string {
	switch alg {
	case x509.SHA256WithRSA, x509.ECDSAWithSHA256, x509.SHA256WithRSAPSS:
		return "SHA256"
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		return "SHA384"
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		return "SHA512"
	}
	return ""
}

// Thumbprint is the lowercase hex SHA-1 of the certificate's DER bytes. It
// is the storage alias of every keystore entry.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeHostname strips any port, brackets and trailing dot, lower-cases
// the name and rejects anything that cannot be a DNS name or IP literal.
func NormalizeHostname(s string) (string, error) {
	h := strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	if h == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHostname)
	}
	if net.ParseIP(h) != nil {
		return h, nil
	}
	if len(h) > maxHostnameLen {
		return "", fmt.Errorf("%w: %d characters", ErrInvalidHostname, len(h))
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return "", fmt.Errorf("%w: %q", ErrInvalidHostname, s)
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '*':
			default:
				return "", fmt.Errorf("%w: %q", ErrInvalidHostname, s)
			}
		}
	}
	return h, nil
}

// CertificateInfo is the subject material of an impersonated certificate.
type CertificateInfo struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	// Names become the Subject Alternative Names; Names[0] is the CN.
	Names     []string
	NotBefore time.Time
	NotAfter  time.Time
}

// HostnameInfo builds the default info for names: CN is the first name and
// the validity window is one year either side of now to tolerate client
// clock skew.
func HostnameInfo(names []string, now time.Time) (CertificateInfo, error) {
	if len(names) == 0 {
		return CertificateInfo{}, fmt.Errorf("%w: no names", ErrInvalidHostname)
	}
	return CertificateInfo{
		CommonName:         names[0],
		Organization:       ImpersonatedOrganization,
		OrganizationalUnit: ImpersonatedUnit,
		Names:              names,
		NotBefore:          now.AddDate(-1, 0, 0),
		NotAfter:           now.AddDate(1, 0, 0),
	}, nil
}

// MergeNames appends every name from extra that is not already present,
// keeping the order of first appearance.
func MergeNames(names []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(names)+len(extra))
	out := make([]string, 0, len(names)+len(extra))
	for _, n := range append(append([]string(nil), names...), extra...) {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// OriginalNames lists the DNS names and IP addresses of an upstream certificate.
func OriginalNames(cert *x509.Certificate) []string {
	if cert == nil {
		return nil
	}
	names := append([]string(nil), cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	return names
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// NewLeafTemplate builds a server-auth leaf template from info.
func NewLeafTemplate(info CertificateInfo) (*x509.Certificate, error) {
	if len(info.Names) == 0 || info.CommonName == "" {
		return nil, fmt.Errorf("%w: no common name", ErrInvalidHostname)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	subject := pkix.Name{CommonName: info.CommonName}
	if info.Organization != "" {
		subject.Organization = []string{info.Organization}
	}
	if info.OrganizationalUnit != "" {
		subject.OrganizationalUnit = []string{info.OrganizationalUnit}
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             info.NotBefore,
		NotAfter:              info.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, n := range info.Names {
		if ip := net.ParseIP(n); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, n)
		}
	}
	return tmpl, nil
}

// NewRootTemplate builds a self-signed CA template valid from a day ago
// for the given duration.
func NewRootTemplate(subject pkix.Name, validity time.Duration, now time.Time) (*x509.Certificate, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}, nil
}

// Sign issues tmpl for pub, signed by parentKey under parent, and parses the result.
func Sign(tmpl, parent *x509.Certificate, pub crypto.PublicKey, parentKey crypto.Signer, digest string) (*x509.Certificate, error) {
	alg, err := SignatureAlgorithm(parentKey.Public(), digest)
	if err != nil {
		return nil, err
	}
	tmpl.SignatureAlgorithm = alg
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// ValidAt reports whether now falls inside the certificate's validity window.
func ValidAt(cert *x509.Certificate, now time.Time) bool {
	return cert != nil && !now.Before(cert.NotBefore) && now.Before(cert.NotAfter)
}

func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
