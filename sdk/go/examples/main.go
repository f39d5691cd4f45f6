package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"OpenYield-Rebalancer/sdk/go/rebalancer"
)

// 示例：评估组合，必要时发起再平衡并等待执行结束。
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "服务地址")
	portfolioID := flag.String("portfolio", "stable-core", "组合 ID")
	force := flag.Bool("force", false, "忽略阈值强制再平衡")
	flag.Parse()

	client, err := rebalancer.NewClient(*baseURL, rebalancer.WithToken(os.Getenv("REBALANCER_TOKEN")))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	decision, err := client.Evaluate(ctx, *portfolioID, *force)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	fmt.Printf("trigger=%v deviation=%s reason=%q\n", decision.Trigger, decision.DeviationBps, decision.Reason)
	if !decision.Trigger {
		return
	}

	result, err := client.Rebalance(ctx, *portfolioID, *force)
	if err != nil {
		log.Fatalf("rebalance: %v", err)
	}
	if result.ExecutionID == "" {
		fmt.Printf("no execution started: %s\n", result.Decision.Reason)
		return
	}

	execution, err := client.WaitForExecution(ctx, result.ExecutionID, 5*time.Second)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}
	fmt.Printf("execution %s finished with status %s\n", execution.ID, execution.Status)
	for _, step := range execution.Steps {
		fmt.Printf("  %s %s %s tx=%s\n", step.Direction, step.StrategyID, step.Amount, step.TxHash)
	}
}
