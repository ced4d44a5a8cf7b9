package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/issuance"
	"github.com/remiblancher/cacore/internal/profile"
	"github.com/remiblancher/cacore/internal/store"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Certificate issuance and revocation",
	Long: `Issue, revoke and unrevoke end-entity certificates.

Examples:
  # Issue a TLS server certificate for a public key
  cacore cert issue --ca "Issuing CA" --subject "CN=www.example.com" \
      --san dns:www.example.com --pubkey server.pub --out server.crt

  # Put a certificate on hold, then release it
  cacore cert revoke --ca "Issuing CA" --reason certificateHold 1A2B3C
  cacore cert unrevoke --ca "Issuing CA" 1A2B3C`,
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a certificate for a public key",
	RunE:  runCertIssue,
}

var certRevokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke a certificate",
	Long: `Revoke a certificate by its hexadecimal serial number.

Reasons: unspecified, keyCompromise, cACompromise, affiliationChanged,
superseded, cessationOfOperation, certificateHold, privilegeWithdrawn,
aACompromise.`,
	Args: cobra.ExactArgs(1),
	RunE: runCertRevoke,
}

var certUnrevokeCmd = &cobra.Command{
	Use:   "unrevoke <serial>",
	Short: "Release a certificate on hold",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertUnrevoke,
}

var (
	certCA        string
	certSubject   string
	certPubKey    string
	certSANs      []string
	certEmail     string
	certUsername  string
	certProfileID int
	certNotBefore string
	certNotAfter  string
	certOut       string
	certReason    string
)

func init() {
	certCmd.PersistentFlags().StringVar(&certCA, "ca", "", "Issuing CA name (required)")
	_ = certCmd.MarkPersistentFlagRequired("ca")

	f := certIssueCmd.Flags()
	f.StringVar(&certSubject, "subject", "", "Subject DN (required)")
	f.StringVar(&certPubKey, "pubkey", "", "PEM public key file (required)")
	f.StringSliceVar(&certSANs, "san", nil, "Subject alternative name as kind:value, kind is dns, email, ip or uri (repeatable)")
	f.StringVar(&certEmail, "email", "", "End entity email")
	f.StringVar(&certUsername, "username", "", "End entity username")
	f.IntVar(&certProfileID, "profile", profile.EndEntityProfileID, "Certificate profile id")
	f.StringVar(&certNotBefore, "not-before", "", "Validity start, RFC 3339 (default: now)")
	f.StringVar(&certNotAfter, "not-after", "", "Validity end, RFC 3339 (default: profile validity)")
	f.StringVarP(&certOut, "out", "o", "", "Output file (default: stdout)")
	_ = certIssueCmd.MarkFlagRequired("subject")
	_ = certIssueCmd.MarkFlagRequired("pubkey")

	certRevokeCmd.Flags().StringVar(&certReason, "reason", "unspecified", "Revocation reason")

	certCmd.AddCommand(certIssueCmd)
	certCmd.AddCommand(certRevokeCmd)
	certCmd.AddCommand(certUnrevokeCmd)
}

func runCertIssue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	c, err := n.cas.GetCAByName(ctx, authz.System(), certCA)
	if err != nil {
		return err
	}
	pub, err := loadPublicKey(certPubKey)
	if err != nil {
		return err
	}

	ee := &profile.EndEntity{
		Username:             certUsername,
		SubjectDN:            certSubject,
		Email:                certEmail,
		CertificateProfileID: certProfileID,
	}
	for _, s := range certSANs {
		kind, value, ok := strings.Cut(s, ":")
		if !ok || value == "" {
			return fmt.Errorf("invalid --san %q: expected kind:value", s)
		}
		ee.SubjectAltName = append(ee.SubjectAltName, profile.SANEntry{
			Kind:  profile.SANKind(strings.ToLower(kind)),
			Value: value,
		})
	}

	req := &issuance.Request{CAID: c.ID(), EndEntity: ee, PublicKey: pub, Tag: "cli"}
	if req.NotBefore, err = parseTimeFlag("not-before", certNotBefore); err != nil {
		return err
	}
	if req.NotAfter, err = parseTimeFlag("not-after", certNotAfter); err != nil {
		return err
	}

	cert, err := n.certs.Issue(ctx, authz.System(), req)
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if certOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(certOut, data, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Certificate issued: serial %s, expires %s\n",
		strings.ToUpper(cert.SerialNumber.Text(16)), cert.NotAfter.Format(time.RFC3339))
	return nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t, nil
}

func loadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", path)
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE REQUEST":
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return nil, err
		}
		if err := csr.CheckSignature(); err != nil {
			return nil, fmt.Errorf("invalid CSR signature: %w", err)
		}
		return csr.PublicKey, nil
	default:
		return nil, fmt.Errorf("%s: unsupported PEM block %q", path, block.Type)
	}
}

func runCertRevoke(cmd *cobra.Command, args []string) error {
	reason, err := store.ParseRevocationReason(certReason)
	if err != nil {
		return err
	}
	return changeStatus(cmd, args[0], func(n *node, issuerDN, serial string) error {
		return n.certs.Revoke(cmd.Context(), authz.System(), issuerDN, serial, reason)
	}, "revoked ("+reason.String()+")")
}

func runCertUnrevoke(cmd *cobra.Command, args []string) error {
	return changeStatus(cmd, args[0], func(n *node, issuerDN, serial string) error {
		return n.certs.Unrevoke(cmd.Context(), authz.System(), issuerDN, serial)
	}, "released from hold")
}

func changeStatus(cmd *cobra.Command, rawSerial string, apply func(n *node, issuerDN, serial string) error, done string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	serial, err := issuance.NormalizeSerial(rawSerial)
	if err != nil {
		return err
	}
	c, err := n.cas.GetCAByName(cmd.Context(), authz.System(), certCA)
	if err != nil {
		return err
	}
	if err := apply(n, c.IssuerDN(), serial); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Certificate %s %s.\n", serial, done)
	return nil
}
