// Package ensemble orchestrates a team of LLM role-agents against a single
// user task. A Supervisor plans the task into a DAG of typed steps, a wave
// scheduler dispatches ready steps with bounded parallelism, a quality gate
// reviews each completed step and may retry it, extend the flow, or prune
// downstream work, and an aggregator merges step outputs into one typed
// artifact.
//
// The package is transport-agnostic: model access goes through the Provider
// interface (provider/openaicompat implements it over any OpenAI-compatible
// HTTP API), code execution through CodeRunner (sandbox implements it on
// Docker), and progress observation through the in-process EventBus.
//
// Minimal use:
//
//	llm := openaicompat.New(baseURL, apiKey, "qwen-max")
//	eng, _ := ensemble.NewEngine(ensemble.WithProvider(ensemble.WithRetry(llm)))
//	res, _ := eng.Execute(ctx, "compare the three largest EU economies")
//	fmt.Println(res.Output)
package ensemble
