package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/approval"
	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/engine"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// scope selects the assessment a command works from.
type scope struct {
	subscription  string
	resourceGroup string
	families      []string
	assessmentID  string
}

func (s *scope) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.subscription, "subscription", "s", "", "subscription id or name")
	cmd.Flags().StringVarP(&s.resourceGroup, "resource-group", "g", "", "limit the assessment to one resource group")
	cmd.Flags().StringSliceVarP(&s.families, "families", "f", nil, "control families to assess (default all)")
	cmd.Flags().StringVar(&s.assessmentID, "assessment", "", "use a stored assessment instead of running one")
}

// assessment returns the stored assessment named by --assessment, or runs
// a new one.
func (s *scope) assessment(ctx context.Context, a *app, e *engine.Engine) (*assessment.Assessment, error) {
	if s.assessmentID != "" {
		return e.Assessment(ctx, s.assessmentID)
	}
	if s.subscription == "" {
		return nil, errs.Invalid("subscription", "", "--subscription or --assessment is required")
	}
	progress := make(chan assessment.ProgressUpdate, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range progress {
			a.logger.Info("Family assessed",
				zap.String("family", u.Family),
				zap.Int("completed", u.Completed),
				zap.Int("total", u.Total),
			)
		}
	}()
	res, err := e.Assess(ctx, engine.AssessRequest{
		Subscription:  s.subscription,
		ResourceGroup: s.resourceGroup,
		Families:      s.families,
		Progress:      progress,
	})
	close(progress)
	<-done
	return res, err
}

func newAssessCommand(a *app) *cobra.Command {
	var s scope
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess a subscription against NIST 800-53 control families",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			e, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			res, err := s.assessment(ctx, a, e)
			if err != nil {
				return err
			}
			return a.writeJSON(res)
		},
	}
	s.register(cmd)
	return cmd
}

// planFlags are the plan options exposed on the command line.
type planFlags struct {
	minSeverity   string
	automatedOnly bool
}

func (p *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.minSeverity, "min-severity", "", "lowest severity to plan (Critical, High, Medium, Low, Informational)")
	cmd.Flags().BoolVar(&p.automatedOnly, "automated-only", false, "plan only auto-remediable findings")
}

func (p *planFlags) options(families []string) (remediation.PlanOptions, error) {
	opts := remediation.PlanOptions{Families: families, AutomatedOnly: p.automatedOnly}
	if p.minSeverity != "" {
		sev, err := normalizer.ParseSeverity(p.minSeverity)
		if err != nil {
			return opts, err
		}
		opts.MinSeverity = sev
	}
	return opts, nil
}

func buildPlan(ctx context.Context, a *app, e *engine.Engine, s *scope, p *planFlags) (*remediation.RemediationPlan, error) {
	opts, err := p.options(s.families)
	if err != nil {
		return nil, err
	}
	res, err := s.assessment(ctx, a, e)
	if err != nil {
		return nil, err
	}
	return e.Plan(ctx, engine.PlanRequest{AssessmentID: res.AssessmentID, Options: opts})
}

func newPlanCommand(a *app) *cobra.Command {
	var (
		s scope
		p planFlags
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a prioritized remediation plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			e, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			plan, err := buildPlan(ctx, a, e, &s, &p)
			if err != nil {
				return err
			}
			return a.writeJSON(plan)
		},
	}
	s.register(cmd)
	p.register(cmd)
	return cmd
}

func newRemediateCommand(a *app) *cobra.Command {
	var (
		s         scope
		findingID string
		mode      string
		approver  string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "remediate",
		Short: "Remediate one finding (dry run by default)",
		Long: `Assess, plan and remediate one finding in a single run. When approval
is required, pass --approver (and --token when approval signing is
configured) to approve and run in the same invocation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if findingID == "" {
				return errs.Invalid("finding", "", "--finding is required")
			}
			ctx, cancel := signalContext()
			defer cancel()
			e, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			plan, err := buildPlan(ctx, a, e, &s, &planFlags{})
			if err != nil {
				return err
			}
			exec, err := e.Remediate(ctx, engine.RemediateRequest{PlanID: plan.PlanID, FindingID: findingID, Mode: mode})
			if err != nil {
				return err
			}
			if exec.Status == remediation.StatusPending && approver != "" {
				if _, err := e.Approve(exec.ExecutionID, approver, token); err != nil {
					return err
				}
				if exec, err = e.Run(ctx, exec.ExecutionID); err != nil {
					return err
				}
			}
			if exec.Status == remediation.StatusPending {
				a.logger.Warn("Execution requires approval; rerun with --approver",
					zap.String("execution_id", exec.ExecutionID),
				)
			}
			return a.writeJSON(exec)
		},
	}
	s.register(cmd)
	cmd.Flags().StringVar(&findingID, "finding", "", "finding id to remediate")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(remediation.ModeDryRun), "execution mode (DryRun, Live)")
	cmd.Flags().StringVar(&approver, "approver", "", "approve the execution as this identity")
	cmd.Flags().StringVar(&token, "token", "", "signed approval token")
	return cmd
}

func newEvidenceCommand(a *app) *cobra.Command {
	var (
		subscription string
		family       string
		format       string
	)
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Collect and export an evidence package for one control family",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := evidence.ParseFormat(format)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			e, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			s := scope{subscription: subscription, families: []string{family}}
			if _, err := s.assessment(ctx, a, e); err != nil {
				return err
			}
			pkg, err := e.CollectEvidence(ctx, engine.EvidenceRequest{Subscription: subscription, Family: family})
			if err != nil {
				return err
			}
			doc, err := e.ExportPackage(ctx, pkg.PackageID, string(f))
			if err != nil {
				return err
			}
			a.logger.Info("Evidence package ready",
				zap.String("package_id", pkg.PackageID),
				zap.Int("items", pkg.TotalItems),
				zap.Float64("completeness", pkg.CompletenessScore),
				zap.String("filename", doc.Filename),
			)
			return a.write(doc.Body)
		},
	}
	cmd.Flags().StringVarP(&subscription, "subscription", "s", "", "subscription id or name")
	cmd.Flags().StringVar(&family, "family", "", "control family code, e.g. AC")
	cmd.Flags().StringVar(&format, "format", "json", "export format (json, csv, pdf, emass)")
	_ = cmd.MarkFlagRequired("subscription")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func newPOAMCommand(a *app) *cobra.Command {
	var (
		s        scope
		family   string
		format   string
		withPlan bool
	)
	cmd := &cobra.Command{
		Use:   "poam",
		Short: "Generate a Plan of Action and Milestones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "csv" {
				return errs.Invalid("format", format, "unsupported POA&M format", "json", "csv")
			}
			ctx, cancel := signalContext()
			defer cancel()
			e, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := s.assessment(ctx, a, e)
			if err != nil {
				return err
			}
			req := engine.POAMRequest{AssessmentID: res.AssessmentID, Family: family}
			if withPlan {
				plan, err := e.Plan(ctx, engine.PlanRequest{AssessmentID: res.AssessmentID})
				if err != nil {
					return err
				}
				req.PlanID = plan.PlanID
			}
			p, err := e.POAM(ctx, req)
			if err != nil {
				return err
			}
			var body []byte
			if format == "csv" {
				body, err = evidence.ExportPOAMCSV(p)
			} else {
				body, err = evidence.ExportPOAMJSON(p)
			}
			if err != nil {
				return err
			}
			return a.write(body)
		},
	}
	s.register(cmd)
	cmd.Flags().StringVar(&family, "family", "", "limit items to one control family")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, csv)")
	cmd.Flags().BoolVar(&withPlan, "with-plan", true, "take milestone dates and effort from a remediation plan")
	return cmd
}

func newRiskCommand(a *app) *cobra.Command {
	var s scope
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Report risk by category and the change since the previous scan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			e, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			res, err := s.assessment(ctx, a, e)
			if err != nil {
				return err
			}
			report, err := e.Risk(ctx, res.SubscriptionID)
			if err != nil {
				return err
			}
			delta, err := e.Delta(ctx, res.SubscriptionID)
			if err != nil {
				return err
			}
			return a.writeJSON(map[string]any{"risk": report, "delta": delta})
		},
	}
	s.register(cmd)
	return cmd
}

func newTokenCommand(a *app) *cobra.Command {
	var executionID, approver string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an approval token for a pending execution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Remediation.ApprovalSecret == "" {
				return errs.Invalid("remediation.approval_secret", "", "approval signing is not configured")
			}
			auth, err := approval.NewAuthority(approval.Config{
				Secret: a.cfg.Remediation.ApprovalSecret,
				Issuer: a.cfg.Remediation.ApprovalIssuer,
				TTL:    a.cfg.Remediation.ApprovalTTL,
			})
			if err != nil {
				return err
			}
			token, err := auth.Issue(executionID, approver)
			if err != nil {
				return err
			}
			return a.write([]byte(fmt.Sprintln(token)))
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id")
	cmd.Flags().StringVar(&approver, "approver", "", "approver identity")
	_ = cmd.MarkFlagRequired("execution")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}
