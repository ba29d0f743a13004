// Package client is the consumer side of the starbar feed.
//
// A client dials the daemon's /ws endpoint, answers pings, hands every
// star, badge and menu message to OnMessage, and reconnects with jittered
// exponential backoff when the daemon restarts:
//
//	c, err := client.New(client.Config{
//	    OnMessage: func(m feed.Message) {
//	        if m.Type == feed.TypeStar {
//	            fmt.Printf("%s from @%s\n", m.Star.Repo, m.Star.User)
//	        }
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Ack and AckAll mark stars as read on the daemon, which lowers the badge.
package client
