package kernel

// Continuation is a one-shot resume point. The kernel side captures it
// before loading a record's context and awaits it; the server side resumes
// it exactly once when it returns.
type Continuation struct {
	c chan struct{}
}

func captureContinuation() *Continuation {
	return &Continuation{c: make(chan struct{}, 1)}
}

func (c *Continuation) resume() {
	c.c <- struct{}{}
}

func (c *Continuation) await() {
	<-c.c
}
