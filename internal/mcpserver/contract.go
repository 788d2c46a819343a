package mcpserver

// ProjectFormatContract describes the YAML project file that LLM consumers
// should follow when editing a project by hand.
const ProjectFormatContract = `# diffit Project Format Contract

A project is one YAML file holding experiments (measured patterns) and
structures (phases contributing to them).

## Structure

` + "```" + `yaml
name: lbco
experiments:
  - name: pd_Exp1                # identifier: [A-Za-z0-9]+ joined by single underscores
    phases: [lbco]               # structures contributing to this pattern
    parameters:
      - name: zero_shift
        value: 0.0
        min: -0.5                # OPTIONAL, default -inf
        max: 0.5                 # OPTIONAL, default +inf
        unit: deg                # OPTIONAL
        fittable: true           # may be refined
        free: true               # refined by the next run; requires fittable
    loops:
      - name: background
        items:
          - parameters:
              - {name: x, value: 20}
              - {name: intensity, value: 12, min: 0, fittable: true}
    data:
      x: [20.0, 20.1, 20.2]
      y: [10.0, 11.5, 12.0]
      sigma: [3.2, 3.4, 3.5]
structures:
  - name: lbco
    parameters:
      - {name: scale, value: 1.0, min: 0, fittable: true, free: true}
    loops:
      - name: peak
        items:
          - parameters:
              - {name: position, value: 25, unit: deg}
              - {name: intensity, value: 100, min: 0, fittable: true}
` + "```" + `

## Rules

1. **Names** of blocks, loops and parameters are identifiers made of letters
   and digits joined by single underscores. Block names are unique.
2. **Parameter identifiers** have the form ` + "`" + `block___name___0` + "`" + ` for block
   parameters and ` + "`" + `block___loop_name___i` + "`" + ` for the i-th loop item.
3. **Values** are finite and lie within ` + "`" + `[min, max]` + "`" + `.
4. **free** implies **fittable**. Only free parameters are refined.
5. **error** is written by refinements; it must be non-negative.
6. **data** is required on experiments and forbidden on structures. ` + "`" + `x` + "`" + `,
   ` + "`" + `y` + "`" + ` and ` + "`" + `sigma` + "`" + ` have equal length and every sigma is positive.
7. **phases** reference structure names.

## Tools

- ` + "`" + `list_parameters` + "`" + ` shows identifiers, values, bounds and flags.
- ` + "`" + `set_parameter` + "`" + ` edits one value or free flag. Edits are rejected while a
  refinement runs.
- ` + "`" + `start_stop_fit` + "`" + ` starts a refinement or cancels the one in progress.
  Poll ` + "`" + `fit_status` + "`" + ` until ` + "`" + `fitting` + "`" + ` is false.
`
