// Package influxdb writes the unit's time series to InfluxDB v2 through
// the official influxdb-client-go library.
//
// Points are batched by the client's non-blocking write API according to
// the batch_size and flush_interval settings; asynchronous write failures
// are reported through SetOnError. The history recorder is the only
// writer:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run with SQLite history only
//	}
//	defer client.Close()
//
//	client.WritePoint("filtered_state",
//	    map[string]string{"experiment": "exp1", "unit": "unit1"},
//	    map[string]any{"od": 0.51, "growth_rate": 0.12},
//	    ts)
package influxdb
