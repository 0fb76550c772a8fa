package worker

// Tick is exported for testing
var Tick = (*DispatchWorker).tick
