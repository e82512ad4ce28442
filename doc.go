// Package sepal is a graph workflow execution engine. Executors are typed
// message handlers wired together by edge groups; a run delivers messages in
// supersteps, where everything sent during one superstep becomes visible at
// the start of the next. Runs stream structured events, pause on external
// requests, and checkpoint after every superstep so they can be resumed
// later, even across process restarts.
//
// A minimal workflow:
//
//	double, _ := sepal.NewExecutor("double",
//		sepal.On(func(ctx context.Context, wc *sepal.WorkflowContext, n int) error {
//			wc.SendMessage(n * 2)
//			return nil
//		}))
//	report, _ := sepal.NewExecutor("report",
//		sepal.On(func(ctx context.Context, wc *sepal.WorkflowContext, n int) error {
//			wc.YieldOutput(n)
//			return nil
//		}))
//
//	wf, _ := sepal.NewWorkflowBuilder("doubler").
//		StartWith(double).
//		AddExecutor(report).
//		AddEdge("double", "report").
//		Build()
//
//	events, _ := wf.Run(ctx, 21)
//
// The run converges once no messages remain in flight. Outputs surface as
// workflow.output events; the final workflow.status event carries the
// terminal lifecycle state.
package sepal
