package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	cacrypto "github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/profile"
)

// caCmd is the parent command for CA operations.
var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate Authority management",
	Long: `Manage the certificate authorities of the store.

Commands:
  init    Create a root CA, or a sub CA signed by an existing CA
  list    List CAs
  info    Show the definition of a CA
  edit    Change the status or CRL policy of a CA
  rename  Rename a CA
  remove  Remove a CA

Examples:
  cacore ca init --name "Root CA" --dn "CN=Root CA,O=Example,C=FR"
  cacore ca init --name "Issuing CA" --dn "CN=Issuing CA,O=Example,C=FR" --parent "Root CA" --token 2
  cacore ca edit "Issuing CA" --delta-crl-period 1h`,
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a CA",
	Long: `Create a CA with a new key.

The key is written to the key directory of the software token given by
--token (PEM, encrypted with the passphrase when one is configured) and
the CA is added to the store. Without --parent the CA is self-signed.`,
	RunE: runCAInit,
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List CAs",
	RunE:  runCAList,
}

var caInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show the definition of a CA as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAInfo,
}

var caEditCmd = &cobra.Command{
	Use:   "edit <name>",
	Short: "Change the status or CRL policy of a CA",
	Long: `Change a CA. Only the flags given are applied.

Examples:
  cacore ca edit "Root CA" --status offline
  cacore ca edit "Root CA" --crl-period 12h --overlap 1h --publisher 1 --publisher 2`,
	Args: cobra.ExactArgs(1),
	RunE: runCAEdit,
}

var caRenameCmd = &cobra.Command{
	Use:   "rename <old-name> <new-name>",
	Short: "Rename a CA",
	Args:  cobra.ExactArgs(2),
	RunE:  runCARename,
}

var caRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCARemove,
}

// Flags
var (
	caInitName           string
	caInitDN             string
	caInitAlgorithm      string
	caInitValidity       time.Duration
	caInitTokenID        int
	caInitKeyAlias       string
	caInitParent         string
	caInitDescription    string
	caInitCRLPeriod      time.Duration
	caInitDeltaCRLPeriod time.Duration
	caInitCRLDistPoint   string
	caInitPublishers     []int
	caInitValidators     []int

	caEditStatus         string
	caEditDescription    string
	caEditCRLPeriod      time.Duration
	caEditDeltaCRLPeriod time.Duration
	caEditIssueInterval  time.Duration
	caEditOverlap        time.Duration
	caEditCRLDistPoint   string
	caEditPublishers     []int
	caEditValidators     []int
)

func init() {
	f := caInitCmd.Flags()
	f.StringVar(&caInitName, "name", "", "CA name (required)")
	f.StringVar(&caInitDN, "dn", "", "Subject DN (default: CN=<name>)")
	f.StringVar(&caInitAlgorithm, "algorithm", string(cacrypto.AlgECDSAP256), "Key algorithm")
	f.DurationVar(&caInitValidity, "validity", 10*365*24*time.Hour, "Certificate validity")
	f.IntVar(&caInitTokenID, "token", 1, "Software token id holding the key")
	f.StringVar(&caInitKeyAlias, "key-alias", "", "Key alias in the token (default: derived from the CA id)")
	f.StringVar(&caInitParent, "parent", "", "Name of the issuing CA (default: self-signed)")
	f.StringVar(&caInitDescription, "description", "", "Free text description")
	f.DurationVar(&caInitCRLPeriod, "crl-period", 24*time.Hour, "Full CRL validity")
	f.DurationVar(&caInitDeltaCRLPeriod, "delta-crl-period", 0, "Delta CRL validity (0 disables delta CRLs)")
	f.StringVar(&caInitCRLDistPoint, "crl-dp", "", "CRL distribution point URL")
	f.IntSliceVar(&caInitPublishers, "publisher", nil, "CRL publisher id (repeatable)")
	f.IntSliceVar(&caInitValidators, "key-validator", nil, "Key validator id (repeatable)")
	_ = caInitCmd.MarkFlagRequired("name")

	f = caEditCmd.Flags()
	f.StringVar(&caEditStatus, "status", "", "active, offline, external, ...")
	f.StringVar(&caEditDescription, "description", "", "Free text description")
	f.DurationVar(&caEditCRLPeriod, "crl-period", 0, "Full CRL validity")
	f.DurationVar(&caEditDeltaCRLPeriod, "delta-crl-period", 0, "Delta CRL validity (0 disables delta CRLs)")
	f.DurationVar(&caEditIssueInterval, "issue-interval", 0, "Issue full CRLs at least this often")
	f.DurationVar(&caEditOverlap, "overlap", 0, "Issue the next CRL this long before nextUpdate")
	f.StringVar(&caEditCRLDistPoint, "crl-dp", "", "CRL distribution point URL")
	f.IntSliceVar(&caEditPublishers, "publisher", nil, "CRL publisher id (repeatable, replaces the list)")
	f.IntSliceVar(&caEditValidators, "key-validator", nil, "Key validator id (repeatable, replaces the list)")

	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caListCmd)
	caCmd.AddCommand(caInfoCmd)
	caCmd.AddCommand(caEditCmd)
	caCmd.AddCommand(caRenameCmd)
	caCmd.AddCommand(caRemoveCmd)
}

func runCAInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openNode(cmd)
	if err != nil {
		return err
	}

	dn := caInitDN
	if dn == "" {
		dn = "CN=" + caInitName
	}
	alg, err := cacrypto.ParseAlgorithm(caInitAlgorithm)
	if err != nil {
		return err
	}

	tok, err := softwareToken(n, caInitTokenID)
	if err != nil {
		return err
	}
	canonical, err := ca.CanonicalDN(dn)
	if err != nil {
		return fmt.Errorf("invalid subject DN: %w", err)
	}
	id := ca.IDFromSubjectDN(canonical)
	if _, found, err := n.cas.LoadCA(ctx, id); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ca.ErrCAExists, canonical)
	}
	alias := caInitKeyAlias
	if alias == "" {
		alias = fmt.Sprintf("ca-%d", id)
	}
	for _, a := range tok.Aliases() {
		if a == alias {
			return fmt.Errorf("token %d already holds key %q", caInitTokenID, alias)
		}
	}

	key, err := cacrypto.GenerateKey(alg)
	if err != nil {
		return err
	}

	req := ca.CertificateRequest{
		SubjectDN: dn,
		PublicKey: key.Public(),
		Signer:    key,
		Validity:  caInitValidity,
	}
	profileID := profile.RootCAProfileID
	var parentChain [][]byte
	if caInitParent != "" {
		parent, err := n.cas.GetCAByName(ctx, authz.System(), caInitParent)
		if err != nil {
			return err
		}
		ptok := parent.Token()
		signer, err := n.tokens.Signer(ctx, ptok.TokenID, ptok.SignKeyAlias)
		if err != nil {
			return fmt.Errorf("parent CA %s signing key: %w", parent.Name(), err)
		}
		req.Issuer = parent
		req.Signer = signer
		profileID = profile.SubCAProfileID
		for _, c := range parent.Chain() {
			parentChain = append(parentChain, c.Raw)
		}
	}
	p, ok := n.profiles.Lookup(profileID)
	if !ok {
		return fmt.Errorf("profile %d is not loaded", profileID)
	}
	req.Profile = p

	cert, err := ca.GenerateCACertificate(req)
	if err != nil {
		return err
	}

	if err := cacrypto.SaveKey(n.cfg.Tokens.KeyDir, caInitTokenID, alias, key, n.cfg.Tokens.Passphrase()); err != nil {
		return err
	}
	if err := tok.ImportKey(alias, key); err != nil {
		return err
	}

	info := &ca.CAInfo{
		ID:                   id,
		Name:                 caInitName,
		SubjectDN:            canonical,
		Description:          caInitDescription,
		Validity:             caInitValidity,
		CertificateChain:     append([][]byte{cert.Raw}, parentChain...),
		CertificateProfileID: p.ID,
		CRL: ca.CRLPolicy{
			CRLPeriod:           caInitCRLPeriod,
			DeltaCRLPeriod:      caInitDeltaCRLPeriod,
			CRLPublishers:       caInitPublishers,
			DefaultCRLDistPoint: caInitCRLDistPoint,
		},
		Token:         ca.TokenRef{TokenID: caInitTokenID, SignKeyAlias: alias},
		KeyValidators: caInitValidators,
	}
	if err := n.cas.AddCA(ctx, authz.System(), info); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "CA created: %s\n", info.Name)
	fmt.Fprintf(out, "  ID:        %d\n", info.ID)
	fmt.Fprintf(out, "  Subject:   %s\n", info.SubjectDN)
	fmt.Fprintf(out, "  Algorithm: %s\n", alg)
	fmt.Fprintf(out, "  Key:       token %d, alias %s\n", caInitTokenID, alias)
	fmt.Fprintf(out, "  Expires:   %s\n", cert.NotAfter.Format(time.RFC3339))
	return nil
}

// softwareToken returns the software token id, registering an empty
// active one when the key directory has none yet.
func softwareToken(n *node, id int) (*cacrypto.SoftwareToken, error) {
	t, ok := n.tokens.Get(id)
	if !ok {
		tok := cacrypto.NewSoftwareToken(id, fmt.Sprintf("token-%d", id))
		n.tokens.Register(tok)
		return tok, nil
	}
	tok, ok := t.(*cacrypto.SoftwareToken)
	if !ok {
		return nil, fmt.Errorf("token %d is a %s token; keys can only be generated in software tokens", id, t.Type())
	}
	return tok, nil
}

func runCAList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	ids, err := n.cas.GetAvailableCAs(ctx, authz.System())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No CAs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEXPIRES\tSUBJECT")
	for _, id := range ids {
		info, err := n.cas.GetCAInfo(ctx, authz.System(), id)
		if err != nil {
			return err
		}
		expires := "-"
		if !info.ExpireTime.IsZero() {
			expires = info.ExpireTime.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", info.ID, info.Name, info.Status, expires, info.SubjectDN)
	}
	return w.Flush()
}

func runCAInfo(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	info, err := n.cas.GetCAInfoByName(cmd.Context(), authz.System(), args[0])
	if err != nil {
		return err
	}
	// The chain is long and unreadable as base64.
	chain := len(info.CertificateChain)
	info.CertificateChain = nil

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "certificate chain: %d certificate(s)\n", chain)
	return nil
}

func runCAEdit(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	info, err := n.cas.GetCAInfoByName(cmd.Context(), authz.System(), args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("status") {
		info.Status = ca.Status(caEditStatus)
	}
	if flags.Changed("description") {
		info.Description = caEditDescription
	}
	if flags.Changed("crl-period") {
		info.CRL.CRLPeriod = caEditCRLPeriod
	}
	if flags.Changed("delta-crl-period") {
		info.CRL.DeltaCRLPeriod = caEditDeltaCRLPeriod
	}
	if flags.Changed("issue-interval") {
		info.CRL.CRLIssueInterval = caEditIssueInterval
	}
	if flags.Changed("overlap") {
		info.CRL.CRLOverlapTime = caEditOverlap
	}
	if flags.Changed("crl-dp") {
		info.CRL.DefaultCRLDistPoint = caEditCRLDistPoint
	}
	if flags.Changed("publisher") {
		info.CRL.CRLPublishers = caEditPublishers
	}
	if flags.Changed("key-validator") {
		info.KeyValidators = caEditValidators
	}

	if err := n.cas.EditCA(cmd.Context(), authz.System(), info); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CA %s updated.\n", info.Name)
	return nil
}

func runCARename(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	if err := n.cas.RenameCA(cmd.Context(), authz.System(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CA %s renamed to %s.\n", args[0], args[1])
	return nil
}

func runCARemove(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	c, err := n.cas.GetCAByName(cmd.Context(), authz.System(), args[0])
	if err != nil {
		return err
	}
	if err := n.cas.RemoveCA(cmd.Context(), authz.System(), c.ID()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CA %s removed.\n", c.Name())
	return nil
}
