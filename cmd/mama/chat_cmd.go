package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mama/internal/agent"
	"mama/internal/sandbox"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
	}
}

func runChat() error {
	cfg, paths, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, paths, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := newApp(ctx, cfg, paths, logger)
	if err != nil {
		return err
	}
	defer application.close()

	reader := bufio.NewReader(os.Stdin)
	application.sandbox.SetApprovalHandler(terminalApprover(reader))

	assistant := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	assistant.Println("mama is listening. Type a message, or /quit to leave.")
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}

		resp, err := application.agent.ProcessMessage(ctx, "terminal", input, agent.Callbacks{
			OnEvent: func(ev agent.Event) {
				switch ev.Type {
				case "tool_call_started":
					dim.Printf("  … %v\n", ev.Payload["tool"])
				case "plan_created":
					dim.Printf("  planned %v steps toward %v\n", ev.Payload["steps"], ev.Payload["goal"])
				case "plan_step_finished":
					dim.Printf("  step %v: %v (%v%%)\n", ev.Payload["step_id"], ev.Payload["status"], ev.Payload["percentComplete"])
				}
			},
			OnPlanApproval: func(ctx context.Context, plan *agent.Plan) bool {
				color.Yellow("The plan %q has side effects:", plan.Goal)
				for _, step := range plan.Steps {
					fmt.Printf("  %d. %s (%s)\n", step.ID, step.Description, step.Tool)
				}
				return promptYesNo(reader, "Run this plan?")
			},
		})
		if err != nil {
			color.Red("error: %v", err)
			continue
		}
		assistant.Println(resp.Content)
	}
}

// terminalApprover prompts on the terminal for ask-level sandbox actions.
func terminalApprover(reader *bufio.Reader) sandbox.ApprovalHandler {
	return func(ctx context.Context, req sandbox.ApprovalRequest) bool {
		color.Yellow("Approval needed: %s.%s on %s", req.Capability, req.Action, req.Resource)
		return promptYesNo(reader, "Allow?")
	}
}

func promptYesNo(reader *bufio.Reader, question string) bool {
	fmt.Printf("%s [y/N] ", question)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
