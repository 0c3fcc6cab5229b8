package app

import (
	"strings"

	"github.com/ggonzalez94/payagent/internal/ens"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/spf13/cobra"
)

type subnameResult struct {
	TxHash  string `json:"txHash"`
	Subname string `json:"subname"`
}

func (s *runtimeState) newReceiptsCommand() *cobra.Command {
	root := &cobra.Command{Use: "receipts", Short: "ENS payment receipt commands"}

	subname := &cobra.Command{
		Use:   "subname <txHash>",
		Short: "Print the receipt subname for a transaction hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txHash := strings.TrimSpace(args[0])
			if txHash == "" {
				return clierr.New(clierr.CodeUsage, "Missing txHash")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), subnameResult{
				TxHash:  txHash,
				Subname: ens.ReceiptSubname(txHash, s.settings.ReceiptParent),
			}, nil)
		},
	}

	get := &cobra.Command{
		Use:   "get <txHash>",
		Short: "Show a stored receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := s.store()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open store", err)
			}
			receipt, err := ledger.GetReceipt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), receipt, nil)
		},
	}

	root.AddCommand(subname)
	root.AddCommand(get)
	return root
}

func (s *runtimeState) newInvoicesCommand() *cobra.Command {
	root := &cobra.Command{Use: "invoices", Short: "Invoice commands"}

	var req model.CreateInvoiceRequest
	var expiresIn float64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a pending invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("expires-in-hours") {
				req.ExpiresInHours = &expiresIn
			}
			ledger, err := s.store()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open store", err)
			}
			inv, err := ledger.CreateInvoice(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), inv, nil)
		},
	}
	create.Flags().StringVar(&req.ReceiverAddress, "receiver", "", "Receiving wallet address")
	create.Flags().StringVar(&req.ReceiverEns, "receiver-ens", "", "Receiving ENS name, for display")
	create.Flags().StringVar(&req.Amount, "amount", "", "Amount in token units")
	create.Flags().StringVar(&req.Token, "token", "", "Token symbol (default USDC)")
	create.Flags().StringVar(&req.Memo, "memo", "", "Free-form memo")
	create.Flags().Float64Var(&expiresIn, "expires-in-hours", 0, "Hours until the invoice expires")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := s.store()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open store", err)
			}
			inv, err := ledger.GetInvoice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), inv, nil)
		},
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.InvoiceStatus(strings.ToLower(strings.TrimSpace(status)))
			switch st {
			case "", model.InvoicePending, model.InvoicePaid, model.InvoiceExpired:
			default:
				return clierr.New(clierr.CodeUsage, "--status must be pending, paid or expired")
			}
			ledger, err := s.store()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open store", err)
			}
			invoices, err := ledger.ListInvoices(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), invoices, nil)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending, paid, expired)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum invoices to return")

	var publishName string
	publish := &cobra.Command{
		Use:   "publish <id>",
		Short: "Build the transaction that stores an invoice in an ENS text record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := s.store()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open store", err)
			}
			inv, err := ledger.GetInvoice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			name := strings.TrimSpace(publishName)
			if name == "" {
				name = strings.TrimSpace(inv.ReceiverEns)
			}
			if name == "" {
				return clierr.New(clierr.CodeUsage, "--ens is required when the invoice has no receiver ENS name")
			}
			tx, err := s.components().resolver.BuildSetInvoiceTx(cmd.Context(), name, inv)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.EnsInvoiceTx{
				UnsignedTransaction: tx,
				Message:             "Store invoice " + inv.ID + " in ENS record: " + ens.InvoiceRecordKey(inv.ID),
			}, nil)
		},
	}
	publish.Flags().StringVar(&publishName, "ens", "", "ENS name to publish under (default: the invoice's receiver ENS)")

	var verifyName string
	verify := &cobra.Command{
		Use:   "verify <id>",
		Short: "Read an invoice back from an ENS text record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(verifyName) == "" {
				return clierr.New(clierr.CodeUsage, "--ens is required")
			}
			inv, err := s.components().resolver.InvoiceFromENS(cmd.Context(), verifyName, args[0])
			if err != nil {
				return err
			}
			if inv == nil {
				return clierr.New(clierr.CodeNotFound, "Invoice not found in ENS")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.EnsInvoice{
				Invoice:   *inv,
				EnsName:   verifyName,
				InvoiceID: args[0],
				RecordKey: ens.InvoiceRecordKey(args[0]),
				Verified:  true,
			}, nil)
		},
	}
	verify.Flags().StringVar(&verifyName, "ens", "", "ENS name holding the record")

	root.AddCommand(create)
	root.AddCommand(get)
	root.AddCommand(list)
	root.AddCommand(publish)
	root.AddCommand(verify)
	return root
}

func (s *runtimeState) newENSCommand() *cobra.Command {
	root := &cobra.Command{Use: "ens", Short: "ENS name commands"}

	var chain string
	name := &cobra.Command{
		Use:   "name <address>",
		Short: "Show the primary name of an address, in name@chain form when the chain has one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := id.ParseChain(chain)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "invalid --chain", err)
			}
			primary, err := s.components().resolver.ReverseName(cmd.Context(), args[0], c.EVMChainID)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), primary, nil)
		},
	}
	name.Flags().StringVar(&chain, "chain", "ethereum", "Chain slug or id for the reverse record")

	root.AddCommand(name)
	return root
}
