/*
Package webhook receives inbound email replies from the mail provider and
turns each one into a RESUME envelope on the stage topic.

	srv := webhook.New(publisher,
		webhook.WithAddress(":8080"),
		webhook.WithHealth(health.NewRegistry(health.NewPingChecker("store", st))),
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}

POST /webhook answers 200 only after the bus accepted the envelope, so the
provider retries deliveries that were not published. GET /healthz reports
the registered health checks.
*/
package webhook
