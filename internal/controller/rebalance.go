package controller

// The rebalancer is stubbed out for now: it would be responsible for
// converging index replica sets with actual membership after Store churn,
// retrying or rolling back remove operations stuck in REMOVE_IN_PROGRESS
// (DESIGN.md Open Question 2), and repairing under- or over-replicated
// files. None of that is implemented here; RebalancePeriod is accepted for
// interface compatibility and otherwise unused.
//
// REBALANCE, REBALANCE_STORE, and REBALANCE_COMPLETE (proto.Rebalance,
// proto.RebalanceStore, proto.RebalanceDone) are reserved tokens: a future
// rebalancer would drive Stores with them the way STORE/REMOVE drive them
// today, but nothing in this package sends or expects them.
