package config

const schemaModulePath = "cue.mod/module.cue"
const schemaOverlayPath = "cue.mod/pkg/pulselib.dev/pulselib/schema/schema.cue"

const schemaModuleContent = `module: "pulselib.dev/pulselib"
language: {
    version: "v0.8.0"
}
`

// schemaDefinitions is shared between the importable overlay package and the
// validation applied to every CUE configuration.
const schemaDefinitions = `
#Expr: number | string

#Config: {
    name?: string
    description?: string
    hardware?: {
        sample_rate?: number & >0
        granularity?: int & >=0
        dc_compensation?: bool
        n_rep?: int & >=0
    }
    channels?: [...#Channel]
    virtual_gates?: {
        virtual?: [...string]
        real?: [...string]
        matrix?: [...[...number]]
    }
    segments?: [...#Segment]
    sequences?: [...#Sequence]
    sweeps?: [...#Sweep]
    params?: [string]: number
    upload?: {
        driver?: string
        dir?: string
        full_scale?: number & >0
        retry?: _
    }
    logging?: _
    telemetry?: _
    workers?: _
    hot_reload?: bool
    ...
}

#Channel: {
    name: string
    awg?: string
    channel?: int
    range?: number & >=0
    attenuation?: number
    delay?: number
    offset?: number
    compensation_limits?: [number, number]
}

#Op: {
    op: "block" | "ramp" | "pulse" | "wait" | "extend" | "reset"
    segment?: string
    channel?: string
    start?: #Expr
    stop?: #Expr
    amplitude?: #Expr
    from?: #Expr
    to?: #Expr
    duration?: #Expr
    points?: [...]
}

#Segment: {
    name: string
    ops: [...#Op]
}

#Sequence: {
    name: string
    steps: [...{
        segment: string
        repeat?: int & >=0
        delay?: #Expr
        line_delays?: [string]: number
    }]
    dc_compensation?: bool
    n_rep?: int & >=0
}

#Sweep: {
    name: string
    sequence: string
    param: string
    values?: [...number]
    linspace?: {start: number, stop: number, n: int & >0}
    expression?: string
    n?: int
    ops?: [...#Op]
}
`

const schemaOverlayContent = "package schema\n" + schemaDefinitions

func init() {
	RegisterDefaultOverlay(func() error {
		if err := RegisterOverlayString(schemaModulePath, schemaModuleContent); err != nil {
			return err
		}
		return RegisterOverlayString(schemaOverlayPath, schemaOverlayContent)
	})
}
