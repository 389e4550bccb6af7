/*
Copyright 2026, Square, Inc.

Package config provides the ability to load the config file of the UWS server
into predefined structures. bin/main.go loads it into the UWS struct, starting
from Defaults().

Config structs provided by this package:

* UWS: all of the config needed to run the server

* Server: the web server (listen address, public base URL, TLS)

* SQLDb: the job database (driver, DSN, TLS)

* Paths, Jobs: filesystem layout and job limits

* Manager, SSH: the backend that runs jobs and its phase translation table

* Broker, RedisDb: the event broker used by blocking GETs

* Archive: the object store used for archived results
*/
package config
