/*
Package scheduler routes tasks between submitters and agents.

The scheduler owns three decisions. Discovery: which tasks an agent may
see, urgent tasks first in submission order, then regular tasks filtered
by tier suppression (a capability whose top online tier exceeds the
polling agent's tier is withheld, so the strongest available agent takes
the work). Pick-up: who wins when several agents race for the same task;
urgent pick-up is a compare-and-swap in memory, regular pick-up is an
atomic move between bbolt buckets, and in both cases exactly one agent
wins. Resolution: final reports and progress updates are applied to
whichever store owns the task.

SubmitUrgent is the blocking path. It refuses capabilities no online
agent advertises, parks the task in the urgent store with a TTL, and
waits on the task's status handle until an agent resolves it, the
sweeper expires it, or the caller's context is canceled.
*/
package scheduler
