package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"closeloop/internal/compliance"
	"closeloop/internal/engine"
	"closeloop/internal/repo"
)

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Open and inspect cases",
		Long:  "A case turns one audit finding into a QA action and a planned education session that share a due date.",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseProgressCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case from a finding",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateCase(ctx, opts)
				var dup *engine.DuplicateError
				if errors.As(err, &dup) && !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "Possible duplicate: action %s on case %s (%q, audited %s)\n",
						dup.Existing.ID, dup.Existing.CaseID, dup.Existing.Issue, dup.Existing.AuditDate)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Opened %s\n  QA action  %s  severity %s  due %s\n  Education  %s  scheduled %s\n  Re-audit due %s\n",
					b.CaseID, b.QaAction.ID, b.QaAction.Severity, b.QaAction.DueDate,
					b.EducationDraft.ID, b.EducationDraft.ScheduledDate, b.ReAuditDueDate)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.FindingLabel, "finding", "", "finding label")
	f.StringVar(&opts.Reason, "reason", "", "why the finding was raised")
	f.StringVar(&opts.TemplateID, "template", "", "audit template id")
	f.StringVar(&opts.AuditSessionID, "audit", "", "audit session id")
	f.StringVar(&opts.AuditDate, "audit-date", "", "audit date (YYYY-MM-DD)")
	f.StringVar(&opts.Severity, "severity", "medium", "critical, high, medium or low")
	f.StringVar(&opts.Unit, "unit", "", "unit")
	f.StringVar(&opts.Topic, "topic", "", "education topic (defaults to the finding)")
	f.StringVar(&opts.StaffAudited, "staff", "", "staff member audited")
	f.StringVar(&opts.Owner, "owner", "", "action owner")
	f.BoolVar(&opts.Force, "force", false, "create even when a possible duplicate exists")
	_ = cmd.MarkFlagRequired("finding")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List QA actions with due status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Case", "Action", "Severity", "Status", "Unit", "Owner", "Due", "Due status"})
				for _, it := range items {
					a := it.Action
					tw.AppendRow(table.Row{a.CaseID, a.ID, a.Severity, a.Status, a.Unit, a.Owner, a.DueDate, dueLabel(it.Due)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case id")
	cmd.Flags().StringVar(&f.Status, "status", "", "open or complete")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity")
	cmd.Flags().StringVar(&f.Unit, "unit", "", "unit")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func caseProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <case-id>",
		Short: "Show workflow stages of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CaseProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s  %d%% complete\n", p.CaseID, p.ProgressPercent)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Days", "Assignee", "Started", "Completed"})
				for _, s := range p.Stages {
					tw.AppendRow(table.Row{s.Name, s.Status, s.DaysInStage, s.Assignee, s.StartedAt, s.CompletedAt})
				}
				tw.Render()
				if p.NextAction != nil {
					fmt.Printf("Next: %s (%s)\n", p.NextAction.Description, p.NextAction.LinkTo)
				}
				return nil
			})
		},
	}
}

func actionCmd() *cobra.Command {
	c := &cobra.Command{Use: "action", Short: "Work a QA action towards closure"}
	c.AddCommand(actionShowCmd())
	c.AddCommand(actionDueCmd())
	c.AddCommand(actionEvidenceCmd())
	c.AddCommand(actionReAuditCmd())
	c.AddCommand(actionClosureCmd())
	c.AddCommand(actionCloseCmd())
	c.AddCommand(actionDeleteCmd())
	return c
}

func actionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show a QA action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func actionDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "due <action-id>",
		Short: "Due and re-audit status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.DueStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Due       %s  %s\n", d.DueDate, dueLabel(d.Due))
				fmt.Printf("Re-audit  %s  %s\n", d.ReAuditDueDate, dueLabel(d.ReAudit))
				return nil
			})
		},
	}
}

var evidenceFlags = []string{"policy-reviewed", "education-provided", "competency-validated", "corrective-action", "monitoring-in-place"}

func actionEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence <action-id>",
		Short: "Set evidence items, e.g. --corrective-action or --policy-reviewed=false",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.EvidenceUpdate{ActionID: args[0], ActorID: actorID()}
			targets := []**bool{&u.PolicyReviewed, &u.EducationProvided, &u.CompetencyValidated, &u.CorrectiveAction, &u.MonitoringInPlace}
			changed := false
			for i, name := range evidenceFlags {
				if !cmd.Flags().Changed(name) {
					continue
				}
				v, err := cmd.Flags().GetBool(name)
				if err != nil {
					return err
				}
				*targets[i] = &v
				changed = true
			}
			if !changed {
				return fmt.Errorf("set at least one of --%s", strings.Join(evidenceFlags, ", --"))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetEvidence(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(a.Evidence)
			})
		},
	}
	for _, name := range evidenceFlags {
		cmd.Flags().Bool(name, false, strings.ReplaceAll(name, "-", " "))
	}
	return cmd
}

func actionReAuditCmd() *cobra.Command {
	var passed, failed bool
	var notes string
	cmd := &cobra.Command{
		Use:   "reaudit <action-id>",
		Short: "Record the re-audit result (--passed or --failed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passed == failed {
				return fmt.Errorf("exactly one of --passed or --failed is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordReAudit(ctx, engine.ReAuditOptions{ActionID: args[0], Passed: passed, Notes: notes, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(a.ReAuditResults)
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "re-audit passed")
	cmd.Flags().BoolVar(&failed, "failed", false, "re-audit failed")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func actionClosureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "closure <action-id>",
		Short: "Check whether an action can close",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckClosure(ctx, args[0])
				if err != nil {
					return err
				}
				return printClosure(res)
			})
		},
	}
}

func actionCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <action-id>",
		Short: "Close an action once closure validation passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, res, err := e.CloseAction(ctx, args[0], actorID())
				var ce *engine.ClosureError
				if errors.As(err, &ce) {
					_ = printClosure(res)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"action": a, "closure": res})
				}
				fmt.Printf("Closed %s (case %s)\n", a.ID, a.CaseID)
				for _, w := range res.Warnings {
					fmt.Println("  warning:", w)
				}
				return nil
			})
		},
	}
}

func actionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <action-id>",
		Short: "Soft-delete an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAction(ctx, args[0], actorID())
			})
		},
	}
}

func educationCmd() *cobra.Command {
	c := &cobra.Command{Use: "education", Short: "Education sessions linked to actions"}

	var link engine.LinkEducationOptions
	linkCmd := &cobra.Command{
		Use:   "link <action-id>",
		Short: "Link an existing session (--id) or plan a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link.ActionID = args[0]
			link.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, edu, err := e.LinkEducation(ctx, link)
				if err != nil {
					return err
				}
				return printJSONOrTable(edu)
			})
		},
	}
	linkCmd.Flags().StringVar(&link.EducationID, "id", "", "existing education session id")
	linkCmd.Flags().StringVar(&link.Topic, "topic", "", "topic for a new session")
	linkCmd.Flags().StringVar(&link.Instructor, "instructor", "", "instructor for a new session")
	linkCmd.Flags().StringVar(&link.ScheduledDate, "date", "", "scheduled date for a new session")

	var completed string
	completeCmd := &cobra.Command{
		Use:   "complete <education-id>",
		Short: "Mark a session delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				edu, err := e.CompleteEducation(ctx, args[0], completed, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(edu)
			})
		},
	}
	completeCmd.Flags().StringVar(&completed, "date", "", "completion date (default today)")

	showCmd := &cobra.Command{
		Use:   "show <education-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				edu, err := e.GetEducation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(edu)
			})
		},
	}
	c.AddCommand(linkCmd, completeCmd, showCmd)
	return c
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Audit sessions"}

	var start engine.AuditStartOptions
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start an audit session (repeating an id returns the stored session)",
		RunE: func(cmd *cobra.Command, args []string) error {
			start.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartAuditSession(ctx, start)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	startCmd.Flags().StringVar(&start.ID, "id", "", "session id (generated when empty)")
	startCmd.Flags().StringVar(&start.TemplateID, "template", "", "template id")
	startCmd.Flags().StringVar(&start.Unit, "unit", "", "unit")
	startCmd.Flags().StringVar(&start.Auditor, "auditor", "", "auditor")
	startCmd.Flags().StringVar(&start.AuditDate, "date", "", "audit date (default today)")

	completeCmd := &cobra.Command{
		Use:   "complete <audit-id>",
		Short: "Complete an audit session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CompleteAuditSession(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAuditSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Unit", "Auditor", "Status"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.AuditDate, s.Unit, s.Auditor, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(startCmd, completeCmd, listCmd)
	return c
}

func dictCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "dict <unit|owner|topic>",
		Short:     "Deduplicated labels stored for a free-text field",
		Args:      cobra.ExactArgs(1),
		ValidArgs: repo.DictionaryFields(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				labels, err := e.Dictionary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(labels)
				}
				for _, l := range labels {
					fmt.Println(l)
				}
				return nil
			})
		},
	}
}

func printClosure(res compliance.ClosureResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.CanClose {
		fmt.Println("Closure: allowed")
	} else {
		fmt.Println("Closure: blocked")
	}
	for _, e := range res.Errors {
		fmt.Println("  error:", e)
	}
	for _, w := range res.Warnings {
		fmt.Println("  warning:", w)
	}
	return nil
}

func dueLabel(d compliance.DueStatus) string {
	switch d.Status {
	case compliance.DueOverdue:
		return fmt.Sprintf("overdue %dd", -d.DaysUntil)
	case compliance.DueSoon, compliance.DueUpcoming:
		return fmt.Sprintf("%s (%dd)", d.Status, d.DaysUntil)
	default:
		return d.Status
	}
}

func printCounts(title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{title, "Open"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k, counts[k]})
	}
	tw.Render()
}
