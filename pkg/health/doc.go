/*
Package health provides probes that decide when something in the sandbox is
serving.

HTTPChecker issues a request and accepts a configurable status range.
TCPChecker succeeds once a connection can be opened. WaitHealthy polls a
checker until it succeeds or the context ends; the dev server flow uses it to
confirm a URL announced in the server's output actually answers.

	checker := health.NewHTTPChecker("http://127.0.0.1:5173/").WithStatusRange(200, 499)
	if _, err := health.WaitHealthy(ctx, checker, health.DefaultWaitConfig()); err != nil {
		return err
	}
*/
package health
